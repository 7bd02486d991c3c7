package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// MaxEntrySize bounds the decompressed size of one archive entry.
const MaxEntrySize = 256 << 20

var errUnsupported = errors.New("unsupported format (need .zip or .json)")

// Upload is one uploaded file.
type Upload struct {
	Name   string
	Reader io.Reader
}

// ImportUploads imports JSON partition files and ZIP archives of them. Each
// file or archive entry that fails is recorded in the result's errors and
// the rest of the batch continues.
func (im *Importer) ImportUploads(ctx context.Context, uploads []Upload) (*Result, error) {
	b := newBatch()
	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch strings.ToLower(path.Ext(u.Name)) {
		case ".zip":
			im.processArchive(ctx, b, u)
		case ".json":
			data, err := io.ReadAll(u.Reader)
			if err != nil {
				b.fail(u.Name, fmt.Errorf("read upload: %w", err))
				continue
			}
			im.processPartition(ctx, b, u.Name, data)
		default:
			b.fail(u.Name, errUnsupported)
		}
	}
	return im.commit(ctx, b)
}

func (im *Importer) processArchive(ctx context.Context, b *batch, u Upload) {
	data, err := io.ReadAll(u.Reader)
	if err != nil {
		b.fail(u.Name, fmt.Errorf("read upload: %w", err))
		return
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		b.fail(u.Name, fmt.Errorf("open archive: %w", err))
		return
	}

	for _, f := range zr.File {
		if !isPartitionEntry(f) {
			continue
		}
		source := u.Name + "/" + f.Name

		content, err := readEntry(f)
		if err != nil {
			b.fail(source, err)
			continue
		}
		im.processPartition(ctx, b, source, content)
	}
}

// isPartitionEntry reports whether an archive entry holds a partition.
// Directories and macOS metadata are skipped.
func isPartitionEntry(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return false
	}
	if !strings.EqualFold(path.Ext(f.Name), ".json") {
		return false
	}
	if strings.HasPrefix(f.Name, "__MACOSX") || strings.HasPrefix(path.Base(f.Name), "._") {
		return false
	}
	return true
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}
	if len(data) > MaxEntrySize {
		return nil, fmt.Errorf("entry larger than %d bytes", MaxEntrySize)
	}
	return data, nil
}
