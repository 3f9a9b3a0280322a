// Command lsmkv is a small CLI over the embeddable engine: put/get/del
// against a data directory, plus explicit flush/compact triggers.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kessler-db/lsmkv/db"
)

var (
	dataDir          string
	memtableMaxCount int
	blockSize        uint32
	compactThreshold uint64
	compactPeriod    time.Duration
	maxLevels        int
	syncOnWrite      bool
)

func main() {
	root := &cobra.Command{
		Use:           "lsmkv",
		Short:         "embedded LSM-tree key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&dataDir, "dir", "data", "data directory (WAL + sstables live here)")
	root.PersistentFlags().IntVar(&memtableMaxCount, "mem-max-count", 1000, "rotate the memtable once it holds more than this many keys")
	root.PersistentFlags().Uint32Var(&blockSize, "block-size", 4096, "target uncompressed sstable block size in bytes")
	root.PersistentFlags().Uint64Var(&compactThreshold, "compact-threshold", 1<<20, "per-level compressed bytes triggering compaction")
	root.PersistentFlags().DurationVar(&compactPeriod, "compact-period", 30*time.Second, "compactor loop period")
	root.PersistentFlags().IntVar(&maxLevels, "max-levels", 4, "number of levels the compactor works (0..max-levels-1)")
	root.PersistentFlags().BoolVar(&syncOnWrite, "sync", true, "fsync the WAL on each write")

	root.AddCommand(putCmd(), getCmd(), delCmd(), flushCmd(), compactCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openEngine() (*db.Engine, error) {
	opts := db.DefaultOptions(dataDir)
	opts.MemtableMaxCount = memtableMaxCount
	opts.SSTableBlockSize = blockSize
	opts.CompactionThreshold = compactThreshold
	opts.CompactionCheckPeriod = compactPeriod
	opts.CompactionMaxLevels = maxLevels
	opts.SyncOnWrite = syncOnWrite
	return db.New(opts)
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "insert or overwrite a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "look up a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			v, ok, err := e.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				os.Exit(1)
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := e.Delete([]byte(args[0])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "seal and flush the writable memtable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := e.ForceFlush(); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "run one compaction pass over every level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := e.ForceCompact(); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
