// Command driftdb is an interactive shell over the storage engine. It opens
// or creates a database file, fronts it with a buffer pool, and exposes the
// page-level operations for poking at data and index pages.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftdb/driftdb/core/cache"
	"github.com/driftdb/driftdb/core/storage/disk"
	"github.com/driftdb/driftdb/core/storage/page"
	"github.com/driftdb/driftdb/pkg/config"
	"github.com/driftdb/driftdb/pkg/logger"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

const helpText = `commands:
  create-data                      create a new data page, print its id
  create-leaf <level>              create a new leaf index page
  create-node <level>              create a new internal index page
  insert <page> <key> <value>      insert a record into a data page
  get <page> <key>                 read a record by key
  del <page> <key>                 delete a record by key
  compact <page>                   compact a data page
  iinsert <page> <key> <child>     insert an index entry
  ilookup <page> <key>             look up an index entry
  irange <page> <lo> <hi>          leaf range scan
  isplit <page>                    split an index page, print new page + median
  drop <page>                      delete a page
  stats                            pool and file statistics
  flush                            flush all dirty pages and sync
  help                             this text
  exit                             flush and quit`

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		dbPath     = flag.String("db", "", "database file (overrides config)")
		create     = flag.Bool("create", false, "create the database, overwriting any existing file")
		poolSize   = flag.Int("pool", 0, "buffer pool frames (overrides config)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Path = *dbPath
	}
	if *poolSize > 0 {
		cfg.PoolSize = *poolSize
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	dm, err := disk.NewDiskManager(cfg.Path, *create, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	pool := cache.NewBufferPool(dm, cfg.PoolSize, log, metrics)

	rl, err := readline.New("driftdb> ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rl.Close()

	sh := &shell{pool: pool, dm: dm}
	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			break
		}
		sh.dispatch(fields)
	}

	pool.FlushAll()
	if err := dm.Sync(); err != nil {
		log.Error("final sync failed", zap.Error(err))
	}
	if err := dm.Close(); err != nil {
		log.Error("close failed", zap.Error(err))
	}
}

type shell struct {
	pool *cache.BufferPool
	dm   *disk.DiskManager
}

func (s *shell) dispatch(fields []string) {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		fmt.Println(helpText)
	case "create-data":
		s.createPage(page.TypeData, false, 0)
	case "create-leaf":
		s.createIndex(args, true)
	case "create-node":
		s.createIndex(args, false)
	case "insert":
		s.insert(args)
	case "get":
		s.get(args)
	case "del":
		s.del(args)
	case "compact":
		s.compact(args)
	case "iinsert":
		s.indexInsert(args)
	case "ilookup":
		s.indexLookup(args)
	case "irange":
		s.indexRange(args)
	case "isplit":
		s.indexSplit(args)
	case "drop":
		s.drop(args)
	case "stats":
		s.stats()
	case "flush":
		s.pool.FlushAll()
		if err := s.dm.Sync(); err != nil {
			fmt.Println("error:", err)
		}
	default:
		fmt.Printf("unknown command %q, try help\n", cmd)
	}
}

func (s *shell) createPage(t page.PageType, isLeaf bool, level uint16) {
	p, err := s.pool.CreatePage(t, isLeaf, level)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("page", p.ID())
	s.unpin(p.ID(), true)
}

func (s *shell) createIndex(args []string, isLeaf bool) {
	level := uint64(0)
	if len(args) > 0 {
		var err error
		level, err = strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			fmt.Println("error: bad level:", err)
			return
		}
	}
	s.createPage(page.TypeIndex, isLeaf, uint16(level))
}

// withData fetches a page, narrows it to a data page, and runs fn. The dirty
// flag returned by fn decides how the page is unpinned.
func (s *shell) withData(pageArg string, fn func(*page.DataPage) bool) {
	pageID, ok := parseU32(pageArg)
	if !ok {
		fmt.Println("error: bad page id")
		return
	}

	p, err := s.pool.FetchPage(pageID)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	dp, ok := p.AsData()
	if !ok {
		fmt.Println("error: not a data page")
		s.unpin(pageID, false)
		return
	}

	dirty := fn(dp)
	s.unpin(pageID, dirty)
}

func (s *shell) withIndex(pageArg string, fn func(*page.IndexPage) bool) {
	pageID, ok := parseU32(pageArg)
	if !ok {
		fmt.Println("error: bad page id")
		return
	}

	p, err := s.pool.FetchPage(pageID)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	ip, ok := p.AsIndex()
	if !ok {
		fmt.Println("error: not an index page")
		s.unpin(pageID, false)
		return
	}

	dirty := fn(ip)
	s.unpin(pageID, dirty)
}

func (s *shell) insert(args []string) {
	if len(args) < 3 {
		fmt.Println("usage: insert <page> <key> <value>")
		return
	}
	key, ok := parseU32(args[1])
	if !ok {
		fmt.Println("error: bad key")
		return
	}
	value := strings.Join(args[2:], " ")

	s.withData(args[0], func(dp *page.DataPage) bool {
		slot, ok := dp.InsertRecord(key, []byte(value), 1)
		if !ok {
			fmt.Println("error: page full")
			return false
		}
		fmt.Println("slot", slot)
		return true
	})
}

func (s *shell) get(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: get <page> <key>")
		return
	}
	key, ok := parseU32(args[1])
	if !ok {
		fmt.Println("error: bad key")
		return
	}

	s.withData(args[0], func(dp *page.DataPage) bool {
		slot, ok := dp.GetSlotID(key)
		if !ok {
			fmt.Println("not found")
			return false
		}
		data, ok := dp.GetRecord(slot)
		if !ok {
			fmt.Println("not found")
			return false
		}
		fmt.Printf("slot %d: %s\n", slot, data)
		return false
	})
}

func (s *shell) del(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: del <page> <key>")
		return
	}
	key, ok := parseU32(args[1])
	if !ok {
		fmt.Println("error: bad key")
		return
	}

	s.withData(args[0], func(dp *page.DataPage) bool {
		slot, ok := dp.GetSlotID(key)
		if !ok {
			fmt.Println("not found")
			return false
		}
		if !dp.DeleteRecord(slot) {
			fmt.Println("not found")
			return false
		}
		fmt.Println("deleted slot", slot)
		return true
	})
}

func (s *shell) compact(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: compact <page>")
		return
	}

	s.withData(args[0], func(dp *page.DataPage) bool {
		freed := dp.Compact()
		fmt.Println("freed", freed, "bytes")
		return freed > 0
	})
}

func (s *shell) indexInsert(args []string) {
	if len(args) != 3 {
		fmt.Println("usage: iinsert <page> <key> <child>")
		return
	}
	key, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("error: bad key:", err)
		return
	}
	child, ok := parseU32(args[2])
	if !ok {
		fmt.Println("error: bad child page id")
		return
	}

	s.withIndex(args[0], func(ip *page.IndexPage) bool {
		if !ip.InsertKey(key, child) {
			fmt.Println("error: node full")
			return false
		}
		fmt.Println("ok")
		return true
	})
}

func (s *shell) indexLookup(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: ilookup <page> <key>")
		return
	}
	key, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("error: bad key:", err)
		return
	}

	s.withIndex(args[0], func(ip *page.IndexPage) bool {
		child, ok := ip.Lookup(key)
		if !ok {
			fmt.Println("not found")
			return false
		}
		fmt.Println("page", child)
		return false
	})
}

func (s *shell) indexRange(args []string) {
	if len(args) != 3 {
		fmt.Println("usage: irange <page> <lo> <hi>")
		return
	}
	lo, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("error: bad lo:", err)
		return
	}
	hi, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		fmt.Println("error: bad hi:", err)
		return
	}

	s.withIndex(args[0], func(ip *page.IndexPage) bool {
		for _, child := range ip.GetRange(lo, hi) {
			fmt.Println("page", child)
		}
		return false
	})
}

func (s *shell) indexSplit(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: isplit <page>")
		return
	}

	s.withIndex(args[0], func(ip *page.IndexPage) bool {
		newPage, err := s.pool.CreatePage(page.TypeIndex, ip.IsLeaf(), ip.Level())
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		right, _ := newPage.AsIndex()

		median := ip.Split(right)
		fmt.Printf("new page %d, median key %d\n", right.ID(), median)
		s.unpin(right.ID(), true)
		return true
	})
}

func (s *shell) drop(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: drop <page>")
		return
	}
	pageID, ok := parseU32(args[0])
	if !ok {
		fmt.Println("error: bad page id")
		return
	}

	if err := s.pool.DeletePage(pageID); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("dropped page", pageID)
}

func (s *shell) stats() {
	fmt.Printf("pages on disk:  %d\n", s.dm.PageCount())
	fmt.Printf("file size:      %d bytes\n", s.dm.FileSize())
	fmt.Printf("pool frames:    %d\n", s.pool.PoolSize())
	fmt.Printf("resident pages: %d\n", s.pool.ResidentPages())
}

func (s *shell) unpin(pageID uint32, dirty bool) {
	if err := s.pool.UnpinPage(pageID, dirty); err != nil {
		fmt.Println("error:", err)
	}
}

func parseU32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
