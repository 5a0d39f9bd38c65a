package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

func TestLocalStoreUploadMovesFile(t *testing.T) {
	storeDir := t.TempDir()
	store, err := NewLocalStore(storeDir, arbor.NewLogger())
	require.NoError(t, err)

	tmp := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(tmp, []byte("png-bytes"), 0o644))

	key, err := store.Upload(context.Background(), tmp)
	require.NoError(t, err)
	assert.Equal(t, "shot.png", key)

	data, err := os.ReadFile(filepath.Join(storeDir, key))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "source file should be gone after upload")
}

func TestImgproxySignerURLShape(t *testing.T) {
	signer, err := NewImgproxySigner(common.SignerConfig{
		BaseURL: "https://img.example.com",
		Key:     "736563726574",
		Salt:    "73616c74",
	})
	require.NoError(t, err)

	url, err := signer.Sign("abc.png", 1280, 720, "png")
	require.NoError(t, err)
	path := "/rs:fit:1280:720/plain/local:///abc.png@png"
	assert.Contains(t, url, path)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("salt"))
	mac.Write([]byte(path))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, "https://img.example.com/"+expected+path, url)
}

func TestImgproxySignerRejectsBadHex(t *testing.T) {
	_, err := NewImgproxySigner(common.SignerConfig{Key: "not-hex", Salt: "73616c74"})
	require.Error(t, err)
}

func TestHostRewriterTransformAndReverse(t *testing.T) {
	r := NewHostRewriter(map[string]string{
		"www.example.com": "internal.example.local:8080",
	})

	got := r.Transform("https://www.example.com/page?a=1")
	assert.Equal(t, "https://internal.example.local:8080/page?a=1", got)

	back := r.Reverse(got)
	assert.Equal(t, "https://www.example.com/page?a=1", back)

	// Unmapped hosts pass through.
	assert.Equal(t, "https://other.com/x", r.Transform("https://other.com/x"))
	assert.Equal(t, "not a url", r.Transform("not a url"))
}

func TestSweeperRemovesOnlyExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.png")
	fresh := filepath.Join(dir, "fresh.png")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "browser_cache"), 0o755))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	s := NewSweeper(common.StorageConfig{
		ScreenshotDir:  dir,
		RetentionHours: 24,
		SweepInterval:  time.Hour,
	}, arbor.NewLogger())

	removed := s.Sweep()
	assert.Equal(t, 1, removed)

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "browser_cache"))
	assert.NoError(t, err, "content cache directory must survive sweeps")
}
