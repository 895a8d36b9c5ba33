package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulldump/goconfig"
	"github.com/rs/zerolog"

	"github.com/fulldump/snapdb/checkpoint"
	"github.com/fulldump/snapdb/configuration"
	"github.com/fulldump/snapdb/engine"
)

var VERSION = "dev"

var banner = `
                           _ _
 ___ _ __   __ _ _ __   __| | |__
/ __| '_ \ / _` + "`" + ` | '_ \ / _` + "`" + ` | '_ \
\__ \ | | | (_| | |_) | (_| | |_) |
|___/_| |_|\__,_| .__/ \__,_|_.__/
                |_|     version ` + VERSION + `
`

func main() {

	c := configuration.Default()
	goconfig.Read(&c)

	if c.Version {
		fmt.Println("Version:", VERSION)
		return
	}

	if c.ShowBanner {
		fmt.Println(banner)
	}

	if c.ShowConfig {
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "    ")
		e.Encode(c)
	}

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		fmt.Println("ERROR:", err.Error())
		os.Exit(-1)
	}

	interval := time.Duration(0)
	if c.CheckpointInterval != "" && c.CheckpointInterval != "0" {
		interval, err = time.ParseDuration(c.CheckpointInterval)
		if err != nil {
			fmt.Println("ERROR: checkpoint interval:", err.Error())
			os.Exit(-1)
		}
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	// Directory creation is glue responsibility, not the core's.
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		fmt.Println("ERROR:", err.Error())
		os.Exit(-1)
	}

	db, err := engine.Initialize(engine.Config{
		Dir:                c.Dir,
		CheckpointInterval: interval,
		Retain:             c.Retain,
		Logger:             logger,
	})
	if err != nil {
		fmt.Println("ERROR:", err.Error())
		os.Exit(-1)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalChan
		fmt.Println("Signal received", sig.String())
		if err := db.Shutdown(); err != nil {
			fmt.Println("ERROR:", err.Error())
		}
		os.Exit(0)
	}()

	repl(db, c.Dir)

	if err := db.Shutdown(); err != nil {
		fmt.Println("ERROR:", err.Error())
	}
}

func repl(db *engine.Engine, dir string) {

	fmt.Println("commands: set <k> <v> | get <k> | del <k> | scan [from] [to] | checkpoint | stats | quit")

	input := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !input.Scan() {
			return
		}
		fields := strings.Fields(input.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {

		case "set":
			if len(fields) < 3 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			txn, err := db.BeginWrite()
			if err != nil {
				fmt.Println("ERROR:", err.Error())
				continue
			}
			txn.Put([]byte(fields[1]), []byte(strings.Join(fields[2:], " ")))
			if err := txn.Commit(); err != nil {
				fmt.Println("ERROR:", err.Error())
			}

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			txn := db.BeginRead()
			value, err := txn.Get([]byte(fields[1]))
			if err != nil {
				fmt.Println("ERROR:", err.Error())
			} else {
				fmt.Println(string(value))
			}
			txn.Close()

		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			txn, err := db.BeginWrite()
			if err != nil {
				fmt.Println("ERROR:", err.Error())
				continue
			}
			txn.Delete([]byte(fields[1]))
			if err := txn.Commit(); err != nil {
				fmt.Println("ERROR:", err.Error())
			}

		case "scan":
			var from, to []byte
			if len(fields) > 1 {
				from = []byte(fields[1])
			}
			if len(fields) > 2 {
				to = []byte(fields[2])
			}
			txn := db.BeginRead()
			n := 0
			txn.AscendRange(from, to, func(key, value []byte) bool {
				fmt.Printf("%s = %s\n", key, value)
				n++
				return true
			})
			txn.Close()
			fmt.Println(n, "records")

		case "checkpoint":
			if err := db.ForceCheckpoint(); err != nil {
				fmt.Println("ERROR:", err.Error())
			}

		case "stats":
			stats := db.Stats()
			fmt.Println("status:         ", stats.Status)
			fmt.Println("sequence:       ", stats.Sequence)
			fmt.Println("records:        ", humanize.Comma(int64(stats.Records)))
			fmt.Println("durable seq:    ", stats.DurableSeq)
			fmt.Println("active readers: ", stats.ActiveReaders)
			if stats.DurableSeq > 0 {
				meta, err := checkpoint.ReadMeta(filepath.Join(dir, checkpoint.MetaFileName(stats.DurableSeq)))
				if err == nil {
					fmt.Println("last checkpoint:", humanize.Bytes(uint64(meta.Bytes)),
						"at", meta.CreatedAt.Local().Format("2006-01-02 15:04:05"))
				}
			}

		case "quit", "exit":
			return

		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
