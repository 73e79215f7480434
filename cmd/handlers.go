package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sahib/vmcache/defaults"
	"github.com/sahib/vmcache/device"
	"github.com/sahib/vmcache/store"
	"github.com/sahib/vmcache/version"
	"github.com/sahib/vmcache/vm"
	"github.com/sahib/vmcache/vnode"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const imageDevice = device.ID(1)

func handleVersion(ctx *cli.Context) error {
	fmt.Fprintf(ctx.App.Writer, "vmcache %s\n", version.String())
	if version.BuildTime != "" {
		fmt.Fprintf(ctx.App.Writer, "built at %s\n", version.BuildTime)
	}

	return nil
}

func handleConfigInit(ctx *cli.Context) error {
	path, err := defaults.ExpandPath(configPath(ctx))
	if err != nil {
		return exitf(BadArgs, "%v", err)
	}

	if _, err := os.Stat(path); err == nil && !ctx.Bool("force") {
		return exitf(BadArgs, "%s exists already; use --force to overwrite", path)
	}

	cfg, err := defaults.OpenDefaults()
	if err != nil {
		return exitf(UnknownError, "bad defaults: %v", err)
	}

	if err := defaults.Save(cfg, path); err != nil {
		return exitf(BadConfig, "%v", err)
	}

	logVerbose(ctx, "wrote default config to %s", path)
	return nil
}

func handleConfigGet(ctx *cli.Context) error {
	cfg, err := openConfig(ctx)
	if err != nil {
		return err
	}

	key := ctx.Args().First()
	if !cfg.IsValidKey(key) {
		return exitf(BadArgs, "no such config key: %s%s", key, didYouMean(key, cfg.Keys()))
	}

	fmt.Fprintln(ctx.App.Writer, cfg.Uncast(key))
	return nil
}

func handleConfigSet(ctx *cli.Context) error {
	cfg, err := openConfig(ctx)
	if err != nil {
		return err
	}

	key, raw := ctx.Args().Get(0), ctx.Args().Get(1)
	if !cfg.IsValidKey(key) {
		return exitf(BadArgs, "no such config key: %s%s", key, didYouMean(key, cfg.Keys()))
	}

	val, err := cfg.Cast(key, raw)
	if err != nil {
		return exitf(BadArgs, "bad value for %s: %v", key, err)
	}

	if err := cfg.Set(key, val); err != nil {
		return exitf(BadArgs, "cannot set %s: %v", key, err)
	}

	if err := defaults.Save(cfg, configPath(ctx)); err != nil {
		return exitf(BadConfig, "%v", err)
	}

	return nil
}

func handleConfigDoc(ctx *cli.Context) error {
	cfg, err := defaults.OpenDefaults()
	if err != nil {
		return exitf(UnknownError, "bad defaults: %v", err)
	}

	keys := cfg.Keys()
	if prefix := ctx.Args().First(); prefix != "" {
		filtered := []string{}
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				filtered = append(filtered, key)
			}
		}

		keys = filtered
	}

	if len(keys) == 0 {
		return exitf(BadArgs, "no such config key: %s", ctx.Args().First())
	}

	sort.Strings(keys)
	for _, key := range keys {
		entry := cfg.GetDefault(key)
		needsRestart := "no"
		if entry.NeedsRestart {
			needsRestart = "yes"
		}

		fmt.Fprintf(ctx.App.Writer, "%s:\n", color.GreenString(key))
		fmt.Fprintf(ctx.App.Writer, "  Docs:          %s\n", entry.Docs)
		fmt.Fprintf(ctx.App.Writer, "  Default:       %v\n", entry.Default)
		fmt.Fprintf(ctx.App.Writer, "  Needs restart: %s\n", needsRestart)
	}

	return nil
}

// openImage adds the image at `path` as device to the cache.
func openImage(sys *vm.System, path string) (*device.File, error) {
	dev, err := device.OpenFile(imageDevice, path, true)
	if err != nil {
		return nil, exitf(IOFailure, "cannot open image: %v", err)
	}

	if err := sys.AddDevice(dev); err != nil {
		dev.Close()
		return nil, exitErr(err, "add device")
	}

	return dev, nil
}

func closeImage(sys *vm.System, dev *device.File) {
	if err := sys.RemoveDevice(dev.ID()); err != nil {
		log.WithError(err).Warnf("failed to remove image device")
	}

	if err := dev.Close(); err != nil {
		log.WithError(err).Warnf("failed to close image")
	}
}

// mapFile faults every page of `node` and passes the resolved pages to
// `fn`. When the frames run out, the store is dropped and bound again,
// which gives all of its frames back. With `readahead` > 0, the blocks
// of that many pages are loaded ahead in one go.
func mapFile(sys *vm.System, node *vnode.Vnode, readahead int, fn func(page *store.Page) error) error {
	st, err := sys.Bind(node)
	if err != nil {
		return exitErr(err, "bind")
	}

	pageSize := int64(sys.Factory().PageSize())
	for off := int64(0); off < node.Size(); off += pageSize {
		if readahead > 0 && (off/pageSize)%int64(readahead) == 0 {
			if _, err := st.Prefetch(off, readahead); err != nil {
				log.WithError(err).Debugf("readahead at %#x failed", off)
			}
		}

		res, err := st.Fault(off)
		if err == nil && res.State == store.Deferred {
			log.Debugf("out of frames at %#x, rebinding", off)
			if err := sys.Unbind(node); err != nil {
				return exitErr(err, "unbind")
			}

			if st, err = sys.Bind(node); err != nil {
				return exitErr(err, "bind")
			}

			res, err = st.Fault(off)
		}

		if err != nil {
			sys.Unbind(node)
			return exitErr(err, fmt.Sprintf("fault at %#x", off))
		}

		if res.State != store.Populated {
			sys.Unbind(node)
			return exitf(IOFailure, "fault at %#x: %s", off, res.State)
		}

		if err := fn(res.Page); err != nil {
			sys.Unbind(node)
			return err
		}
	}

	if err := sys.Unbind(node); err != nil {
		return exitErr(err, "unbind")
	}

	return nil
}

func handleCat(ctx *cli.Context, sys *vm.System) error {
	extents, err := vnode.ParseExtents(ctx.Args().Get(1))
	if err != nil {
		return exitf(BadArgs, "%v", err)
	}

	dev, err := openImage(sys, ctx.Args().First())
	if err != nil {
		return err
	}

	defer closeImage(sys, dev)

	bs := int64(sys.Cache().BlockSize())
	size := ctx.Int64("size")
	if size <= 0 {
		for _, ext := range extents {
			if end := (ext.FileBlock + ext.Length) * bs; end > size {
				size = end
			}
		}
	}

	node := vnode.New(1, dev.ID(), int(bs), size)
	for _, ext := range extents {
		if err := node.AddExtent(ext); err != nil {
			return exitErr(err, "extent")
		}
	}

	logVerbose(ctx, "mapping %s", node)

	return mapFile(sys, node, ctx.Int("readahead"), func(page *store.Page) error {
		n := int64(len(page.Data))
		if rest := size - page.Offset; rest < n {
			n = rest
		}

		if _, err := ctx.App.Writer.Write(page.Data[:n]); err != nil {
			return exitf(IOFailure, "write: %v", err)
		}

		return nil
	})
}

func printStats(w io.Writer, sys *vm.System) {
	stats := sys.Cache().Stats()
	frames := sys.Frames()

	fmt.Fprintf(w, "Block size:   %s\n", humanize.IBytes(uint64(sys.Cache().BlockSize())))
	fmt.Fprintf(w, "Used memory:  %s\n", humanize.IBytes(uint64(sys.BlockCacheUsedMemory())))
	fmt.Fprintf(w, "Resident:     %s / %s blocks\n", humanize.Comma(int64(stats.Resident)), humanize.Comma(int64(stats.Capacity)))
	fmt.Fprintf(w, "Hits:         %s\n", humanize.Comma(stats.Hits))
	fmt.Fprintf(w, "Misses:       %s\n", humanize.Comma(stats.Misses))
	fmt.Fprintf(w, "Device reads: %s\n", humanize.Comma(stats.Reads))
	fmt.Fprintf(w, "Evictions:    %s\n", humanize.Comma(stats.Evictions))
	fmt.Fprintf(w, "Swap:         %s out, %s hits\n", humanize.Comma(stats.SwapOuts), humanize.Comma(stats.SwapHits))
	fmt.Fprintf(w, "Frames:       %s allocations, %d in use\n", humanize.Comma(frames.TotalAllocs()), frames.Allocated())
}

func handleStat(ctx *cli.Context, sys *vm.System) error {
	dev, err := openImage(sys, ctx.Args().First())
	if err != nil {
		return err
	}

	defer closeImage(sys, dev)

	// A partial trailing block cannot be read through the cache.
	bs := sys.Cache().BlockSize()
	size := dev.Size() / int64(bs) * int64(bs)
	if size < dev.Size() {
		logVerbose(ctx, "ignoring %d trailing bytes", dev.Size()-size)
	}

	node, err := vnode.NewContiguous(1, dev.ID(), bs, 0, size)
	if err != nil {
		return exitErr(err, "vnode")
	}

	passes := ctx.Int("passes")
	if passes < 1 {
		passes = 1
	}

	for pass := 0; pass < passes; pass++ {
		err := mapFile(sys, node, ctx.Int("readahead"), func(page *store.Page) error { return nil })
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(
		ctx.App.Writer, "%s (%s, %d passes)\n",
		ctx.Args().First(), humanize.IBytes(uint64(dev.Size())), passes,
	)

	printStats(ctx.App.Writer, sys)
	return nil
}
