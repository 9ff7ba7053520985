package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// copyChunkSize is the unit of the copy loop; the throttle settles between chunks
const copyChunkSize = 64 * 1024

// copyThrottled streams src into dst in fixed chunks. When limit is positive
// it paces writes so the average throughput stays at or below limit bytes per
// second. Cancellation is observed between chunks.
func copyThrottled(ctx context.Context, dst io.Writer, src io.Reader, limit int64) error {
	buf := make([]byte, copyChunkSize)
	start := time.Now()
	var copied int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			copied += int64(n)

			if limit > 0 {
				expected := time.Duration(float64(copied) / float64(limit) * float64(time.Second))
				if pause := expected - time.Since(start); pause > 0 {
					timer := time.NewTimer(pause)
					select {
					case <-ctx.Done():
						timer.Stop()
						return ctx.Err()
					case <-timer.C:
					}
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// verifyCopy hashes the source and the temp artifact concurrently and fails
// with ErrChecksumMismatch when the digests differ.
func verifyCopy(source, tempPath string) error {
	var srcSum, copySum string

	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		srcSum, err = hashFile(source)
		return err
	})
	g.Go(func() error {
		var err error
		copySum, err = hashFile(tempPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to compute checksums: %w", err)
	}

	if srcSum != copySum {
		return fmt.Errorf("%w: source %s, copy %s", ErrChecksumMismatch, srcSum, copySum)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
