// Package drm decrypts CENC-protected segments. The default implementation
// shells out to mp4decrypt (Bento4), which must be in PATH; the assembler
// only sees the Decrypter interface.
package drm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Decrypter turns an encrypted init+media pair into clear bytes.
type Decrypter interface {
	Decrypt(ctx context.Context, init, media []byte, keyID, key string) ([]byte, error)
}

// MP4Decrypt runs the Bento4 mp4decrypt tool on the concatenated segment.
type MP4Decrypt struct {
	// Binary overrides the tool name; empty means "mp4decrypt" from PATH.
	Binary string
}

// Decrypt writes init‖media to a scratch file, runs mp4decrypt with the
// key pair, and returns the clear output. The scratch files live in a
// per-call temp dir removed on return.
func (d *MP4Decrypt) Decrypt(ctx context.Context, init, media []byte, keyID, key string) ([]byte, error) {
	bin := d.Binary
	if bin == "" {
		bin = "mp4decrypt"
	}
	dir, err := os.MkdirTemp("", "mpdproxy-drm-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.mp4")
	out := filepath.Join(dir, "out.mp4")
	buf := make([]byte, 0, len(init)+len(media))
	buf = append(buf, init...)
	buf = append(buf, media...)
	if err := os.WriteFile(in, buf, 0o600); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, "--key", keyID+":"+key, in, out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("drm: mp4decrypt: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	decrypted, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("drm: read decrypted output: %w", err)
	}
	return decrypted, nil
}
