package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ternarybob/shutter/internal/common"
)

// ImgproxySigner builds HMAC-signed delivery URLs in the imgproxy URL
// format: /<signature>/rs:fit:<w>:<h>/plain/<source>@<format>.
type ImgproxySigner struct {
	baseURL string
	key     []byte
	salt    []byte
}

// NewImgproxySigner creates a signer from hex-encoded key and salt.
func NewImgproxySigner(cfg common.SignerConfig) (*ImgproxySigner, error) {
	key, err := hex.DecodeString(cfg.Key)
	if err != nil {
		return nil, common.NewServiceError(common.ErrInternal, "signer key is not valid hex", err)
	}
	salt, err := hex.DecodeString(cfg.Salt)
	if err != nil {
		return nil, common.NewServiceError(common.ErrInternal, "signer salt is not valid hex", err)
	}
	return &ImgproxySigner{baseURL: cfg.BaseURL, key: key, salt: salt}, nil
}

// Sign returns the delivery URL for a stored artifact.
func (s *ImgproxySigner) Sign(key string, width, height int, format string) (string, error) {
	path := fmt.Sprintf("/rs:fit:%d:%d/plain/local:///%s@%s", width, height, key, format)

	mac := hmac.New(sha256.New, s.key)
	mac.Write(s.salt)
	mac.Write([]byte(path))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return s.baseURL + "/" + signature + path, nil
}
