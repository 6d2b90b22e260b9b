// Command bittern-ctl is the Bittern cache constructor and console
// (spec §6: "CLI (constructor)").
//
// Usage:
//
//	bittern-ctl create  [options] <backing-path> <cache-path>
//	bittern-ctl restore [options] <backing-path> <cache-path>
//
// create fails if cache-path already carries a valid header; restore
// fails if it does not. Either command drops into an interactive
// console for issuing control messages and observability queries once
// the cache is up.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/bittern-cache/bittern/internal/config"
	"github.com/bittern-cache/bittern/pkg/cache"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bittern-ctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()

		return fmt.Errorf("missing command")
	}

	switch args[0] {
	case "create":
		return runCreate(args[1:])
	case "restore":
		return runRestore(args[1:])
	case "help", "-h", "--help":
		printUsage()

		return nil
	default:
		printUsage()

		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  bittern-ctl create  [options] <backing-path> <cache-path>")
	fmt.Fprintln(os.Stderr, "  bittern-ctl restore [options] <backing-path> <cache-path>")
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	slotCount := fs.IntP("slots", "n", 65536, "number of cache blocks")
	configPath := fs.StringP("config", "c", "", "path to a JSONC tunables file")
	mmap := fs.Bool("mmap", true, "map the cache device into memory instead of using buffered I/O")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bittern-ctl create [options] <backing-path> <cache-path>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 2 {
		fs.Usage()

		return fmt.Errorf("missing backing-path or cache-path")
	}

	backingPath, cachePath := fs.Arg(0), fs.Arg(1)

	opts, err := optionsFromConfig(*configPath)
	if err != nil {
		return err
	}

	opts.SlotCount = *slotCount
	opts.UseMmap = *mmap

	c, err := cache.Create(backingPath, cachePath, opts)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	return serve(c)
}

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to a JSONC tunables file")
	mmap := fs.Bool("mmap", true, "map the cache device into memory instead of using buffered I/O")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bittern-ctl restore [options] <backing-path> <cache-path>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 2 {
		fs.Usage()

		return fmt.Errorf("missing backing-path or cache-path")
	}

	backingPath, cachePath := fs.Arg(0), fs.Arg(1)

	opts, err := optionsFromConfig(*configPath)
	if err != nil {
		return err
	}

	opts.UseMmap = *mmap

	c, err := cache.Restore(backingPath, cachePath, opts)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	return serve(c)
}

// optionsFromConfig loads cache.Options from a JSONC tunables file (or
// cache.DefaultOptions(0) if path is empty), translating the on-disk
// config.Tunables shape into pkg/cache.Options. SlotCount is left
// unset; callers that need it (create) fill it in afterward.
func optionsFromConfig(path string) (cache.Options, error) {
	tun, err := config.Load(path)
	if err != nil {
		return cache.Options{}, err
	}

	opts := cache.DefaultOptions(0)
	opts.MaxPendingRequests = tun.MaxPendingRequests
	opts.ClusterSize = tun.BGWriterClusterSize
	opts.BGWriterGreedyness = tun.BGWriterGreedyness
	opts.BGWriterMaxQueueDepthPct = tun.BGWriterMaxQueueDepthPct
	opts.BGWriterPolicy = tun.BGWriterPolicy
	opts.BGWriterFlushOnExit = tun.FlushOnExit()
	opts.InvalidatorMinInvalid = int32(tun.InvalidatorMinInvalid)
	opts.ExtraChecksumCheck = tun.EnableExtraChecksumCheck
	opts.FUADistance = tun.DevioFUAInsert
	opts.DevioWorkerDelay = tun.DevioWorkerDelay()
	opts.VerifierRunning = tun.VerifierRunning

	opts.ReadBypass.Enabled = tun.ReadBypass.Enabled
	opts.ReadBypass.ThresholdBytes = tun.ReadBypass.ThresholdBytes
	opts.WriteBypass.Enabled = tun.WriteBypass.Enabled
	opts.WriteBypass.ThresholdBytes = tun.WriteBypass.ThresholdBytes

	return opts, nil
}

func serve(c *cache.Cache) error {
	c.Start()
	defer c.Close(0)

	console := &console{cache: c}

	return console.run()
}

type console struct {
	cache *cache.Cache
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".bittern_ctl_history")
}

func (c *console) run() error {
	c.liner = liner.NewLiner()
	defer c.liner.Close()

	c.liner.SetCtrlCAborts(true)
	c.liner.SetCompleter(c.completer)

	if f, err := os.Open(historyFile()); err == nil {
		c.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("bittern-ctl console. Type 'help' for available commands.")

	for {
		line, err := c.liner.Prompt("bittern-ctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		c.liner.AppendHistory(line)

		if !c.dispatch(line) {
			c.saveHistory()

			return nil
		}
	}
}

func (c *console) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		c.liner.WriteHistory(f)
		f.Close()
	}
}

func (c *console) completer(line string) []string {
	cmds := []string{"get ", "set ", "save ", "help", "exit", "quit"}

	var out []string

	for _, cmd := range cmds {
		if strings.HasPrefix(cmd, line) {
			out = append(out, cmd)
		}
	}

	return out
}

// dispatch executes one REPL line and reports whether the console
// should keep running.
func (c *console) dispatch(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return false

	case "help", "?":
		c.printHelp()

		return true

	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get <key>")

			return true
		}

		out, err := c.cache.ControlGet(args[0])
		if err != nil {
			fmt.Println("error:", err)

			return true
		}

		fmt.Println(out)

		return true

	case "set":
		if len(args) != 2 {
			fmt.Println("usage: set <key> <value>")

			return true
		}

		if err := c.cache.ControlSet(args[0], args[1]); err != nil {
			fmt.Println("error:", err)
		}

		return true

	case "save":
		if len(args) != 2 {
			fmt.Println("usage: save <key> <file>")

			return true
		}

		out, err := c.cache.ControlGet(args[0])
		if err != nil {
			fmt.Println("error:", err)

			return true
		}

		if err := atomic.WriteFile(args[1], strings.NewReader(out+"\n")); err != nil {
			fmt.Println("error:", err)
		}

		return true

	default:
		fmt.Printf("unknown command %q, type 'help'\n", cmd)

		return true
	}
}

func (c *console) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>          observability query (conf, stats, pmem_stats, verifier, ...)")
	fmt.Println("  set <key> <value>  control message (cache_mode, replacement, max_pending_requests, ...)")
	fmt.Println("  save <key> <file>  write an observability query's output to a file atomically")
	fmt.Println("  help               show this help")
	fmt.Println("  exit / quit / q    exit")
}
