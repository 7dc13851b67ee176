// Package pack turns a root filesystem tarball into a content directory
// of compressed segments and a manifest describing the tree.
//
// Every regular file is stored once as <sha256[:8]>-<len>.bin.zst. The
// manifest refers to files by that name, so identical files share one
// segment and repeated runs only write what is new.
package pack

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/vmstate/internal/manifest"
)

const (
	// HashLength is the number of hex digits of the SHA-256 kept in a
	// segment name.
	HashLength = 8

	// bestCompressionThreshold is the file size above which segments
	// use the strongest zstd level.
	bestCompressionThreshold = 20000
)

var (
	ErrMissingOutput = errors.New("pack: output directory not set")
	ErrBadArchive    = errors.New("pack: malformed archive")
)

// Options configures Pack.
type Options struct {
	// OutputDir receives the segments. Required.
	OutputDir string

	// ManifestPath, when set, is where the manifest is written.
	ManifestPath string

	// Concurrency bounds the number of files compressed at once.
	// Zero means GOMAXPROCS.
	Concurrency int

	Logger *slog.Logger
}

// Result summarizes a Pack run.
type Result struct {
	Manifest *manifest.Manifest

	Files   int   // regular files and hard links in the archive
	Written int   // segments written
	Skipped int   // segments already present
	Bytes   int64 // uncompressed bytes written
	Stored  int64 // compressed bytes written
}

// SegmentName returns the content key for data.
func SegmentName(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s-%d.bin.zst", hex.EncodeToString(sum[:])[:HashLength], len(data))
}

type packer struct {
	options Options
	logger  *slog.Logger
	tree    *manifest.Manifest
	files   map[string]*manifest.Entry // regular files by path, for hard links
	group   *errgroup.Group
	ctx     context.Context

	fast *zstd.Encoder
	best *zstd.Encoder

	mu      sync.Mutex
	claimed map[string]bool

	written, skipped atomic.Int64
	bytes, stored    atomic.Int64
}

// Pack reads a tar stream from src, which may be gzip or zstd
// compressed, and writes its regular files as segments to
// opts.OutputDir. Existing segments are not rewritten.
func Pack(ctx context.Context, src io.Reader, opts Options) (*Result, error) {
	if opts.OutputDir == "" {
		return nil, ErrMissingOutput
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("pack: create output dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	fast, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)))
	if err != nil {
		return nil, fmt.Errorf("pack: create encoder: %w", err)
	}
	defer fast.Close()
	best, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(19)))
	if err != nil {
		return nil, fmt.Errorf("pack: create encoder: %w", err)
	}
	defer best.Close()

	r, closeReader, err := decompressed(src)
	if err != nil {
		return nil, err
	}
	defer closeReader()

	group, gctx := errgroup.WithContext(ctx)
	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	group.SetLimit(limit)

	p := &packer{
		options: opts,
		logger:  logger,
		tree:    manifest.New(),
		files:   make(map[string]*manifest.Entry),
		group:   group,
		ctx:     gctx,
		fast:    fast,
		best:    best,
		claimed: make(map[string]bool),
	}

	files, readErr := p.readArchive(tar.NewReader(r))
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}

	if opts.ManifestPath != "" {
		if err := writeManifest(p.tree, opts.ManifestPath); err != nil {
			return nil, err
		}
	}

	result := &Result{
		Manifest: p.tree,
		Files:    files,
		Written:  int(p.written.Load()),
		Skipped:  int(p.skipped.Load()),
		Bytes:    p.bytes.Load(),
		Stored:   p.stored.Load(),
	}
	logger.Info("packed root filesystem",
		"files", result.Files,
		"written", result.Written,
		"skipped", result.Skipped,
		"bytes", result.Bytes,
		"stored", result.Stored)
	return result, nil
}

// decompressed detects gzip and zstd streams by their magic bytes.
func decompressed(src io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("pack: read archive: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %w", ErrBadArchive, err)
		}
		return zr, func() { zr.Close() }, nil
	case bytes.HasPrefix(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd: %w", ErrBadArchive, err)
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

// readArchive builds the manifest and queues segment writes. It
// returns the number of regular files and hard links seen.
func (p *packer) readArchive(tr *tar.Reader) (int, error) {
	files := 0
	for {
		if err := p.ctx.Err(); err != nil {
			return files, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("%w: %w", ErrBadArchive, err)
		}

		name := path.Clean("/" + hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := p.addDir(name, hdr); err != nil {
				return files, err
			}

		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return files, fmt.Errorf("%w: read %s: %w", ErrBadArchive, name, err)
			}
			entry := p.newEntry(hdr, manifest.TypeRegular)
			entry.Size = int64(len(data))
			if len(data) > 0 {
				entry.ContentKey = SegmentName(data)
				p.store(entry.ContentKey, name, data)
			}
			if err := p.add(name, entry); err != nil {
				return files, err
			}
			p.files[name] = entry
			files++

		case tar.TypeLink:
			target, ok := p.files[path.Clean("/"+hdr.Linkname)]
			if !ok {
				return files, fmt.Errorf("%w: hard link %s to unknown file %s", ErrBadArchive, name, hdr.Linkname)
			}
			entry := p.newEntry(hdr, manifest.TypeRegular)
			entry.Size = target.Size
			entry.ContentKey = target.ContentKey
			if err := p.add(name, entry); err != nil {
				return files, err
			}
			p.files[name] = entry
			files++

		case tar.TypeSymlink:
			entry := p.newEntry(hdr, manifest.TypeSymlink)
			entry.LinkTarget = hdr.Linkname
			entry.Size = int64(len(hdr.Linkname))
			if err := p.add(name, entry); err != nil {
				return files, err
			}

		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			if err := p.add(name, p.newEntry(hdr, specialType(hdr.Typeflag))); err != nil {
				return files, err
			}

		default:
			p.logger.Debug("skipping archive entry", "name", hdr.Name, "type", string(hdr.Typeflag))
		}
	}
}

func (p *packer) newEntry(hdr *tar.Header, fileType uint32) *manifest.Entry {
	entry := &manifest.Entry{
		Name: path.Base(path.Clean("/" + hdr.Name)),
		Mode: fileType | uint32(hdr.Mode)&0o7777,
	}
	setOwner(entry, hdr)
	return entry
}

// add places entry at name. An earlier entry with the same path is
// replaced, so the last one in the archive wins as on extraction.
func (p *packer) add(name string, entry *manifest.Entry) error {
	if name == "/" {
		return fmt.Errorf("%w: non-directory root entry", ErrBadArchive)
	}
	parent, err := p.tree.MkdirAll(path.Dir(name))
	if err != nil {
		return fmt.Errorf("pack: %s: %w", name, err)
	}
	replaced, err := parent.SetChild(entry)
	if err != nil {
		return fmt.Errorf("pack: %s: %w", name, err)
	}
	if replaced != nil {
		p.logger.Debug("replacing earlier archive entry", "name", name)
		p.forget(name, replaced)
	}
	if entry.IsRegular() {
		p.tree.Size += entry.Size
	}
	return nil
}

// addDir creates or updates the directory at name. Existing children
// are kept; a non-directory at name is replaced.
func (p *packer) addDir(name string, hdr *tar.Header) error {
	dir := p.tree.Root
	if name != "/" {
		parent, err := p.tree.MkdirAll(path.Dir(name))
		if err != nil {
			return fmt.Errorf("pack: %s: %w", name, err)
		}
		existing, ok := parent.Child(path.Base(name))
		if !ok || !existing.IsDir() {
			existing = &manifest.Entry{Name: path.Base(name)}
			existing.Mode = manifest.TypeDir
			if err := p.add(name, existing); err != nil {
				return err
			}
		}
		dir = existing
	}
	dir.Mode = manifest.TypeDir | uint32(hdr.Mode)&0o7777
	setOwner(dir, hdr)
	return nil
}

// forget drops the bookkeeping for an entry removed from the tree.
func (p *packer) forget(name string, old *manifest.Entry) {
	if old.IsRegular() {
		p.tree.Size -= old.Size
		delete(p.files, name)
		return
	}
	if old.IsDir() {
		prefix := name + "/"
		for file, entry := range p.files {
			if strings.HasPrefix(file, prefix) {
				p.tree.Size -= entry.Size
				delete(p.files, file)
			}
		}
	}
}

func setOwner(entry *manifest.Entry, hdr *tar.Header) {
	entry.Mtime = hdr.ModTime.Unix()
	entry.UID = uint32(hdr.Uid)
	entry.GID = uint32(hdr.Gid)
}

func specialType(flag byte) uint32 {
	switch flag {
	case tar.TypeChar:
		return manifest.TypeCharDevice
	case tar.TypeBlock:
		return manifest.TypeBlockDevice
	default:
		return manifest.TypeFIFO
	}
}

// store queues a segment write unless the segment exists or another
// file with the same contents already claimed it.
func (p *packer) store(key, name string, data []byte) {
	p.mu.Lock()
	if p.claimed[key] {
		p.mu.Unlock()
		return
	}
	p.claimed[key] = true
	p.mu.Unlock()

	p.group.Go(func() error {
		target := filepath.Join(p.options.OutputDir, key)
		if _, err := os.Stat(target); err == nil {
			p.logger.Debug("segment exists, skipped", "segment", key, "file", name)
			p.skipped.Add(1)
			return nil
		}

		encoder := p.fast
		if len(data) > bestCompressionThreshold {
			encoder = p.best
		}
		compressed := encoder.EncodeAll(data, nil)
		if err := writeFile(target, compressed); err != nil {
			return fmt.Errorf("pack: write segment %s: %w", key, err)
		}

		p.logger.Debug("wrote segment", "segment", key, "file", name, "bytes", len(data), "stored", len(compressed))
		p.written.Add(1)
		p.bytes.Add(int64(len(data)))
		p.stored.Add(int64(len(compressed)))
		return nil
	})
}

func writeManifest(tree *manifest.Manifest, dest string) error {
	var buf bytes.Buffer
	if err := tree.Encode(&buf); err != nil {
		return fmt.Errorf("pack: encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("pack: create manifest dir: %w", err)
	}
	if err := writeFile(dest, buf.Bytes()); err != nil {
		return fmt.Errorf("pack: write manifest: %w", err)
	}
	return nil
}

// writeFile writes data via a temporary file and rename, so readers
// never see a partial file.
func writeFile(dest string, data []byte) error {
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
