package security

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/qudata/fleet-agent/internal/domain"
)

// KeySource returns the current key material. It is consulted on every
// call so a rotated key takes effect immediately.
type KeySource interface {
	Key() ([]byte, error)
}

// KeyFunc adapts a function to KeySource.
type KeyFunc func() ([]byte, error)

func (f KeyFunc) Key() ([]byte, error) { return f() }

// Sealed is an encrypted, signed payload ready for transport.
type Sealed struct {
	Data      string
	Signature string
	Date      string
}

// Channel seals and opens message payloads with a pre-shared key.
type Channel struct {
	keys   KeySource
	logger *slog.Logger
	now    func() time.Time
}

func NewChannel(keys KeySource, logger *slog.Logger) *Channel {
	return &Channel{keys: keys, logger: logger, now: time.Now}
}

// Seal encrypts plaintext and signs the ciphertext with the current date.
func (c *Channel) Seal(plaintext []byte) (Sealed, error) {
	key, err := c.keys.Key()
	if err != nil {
		return Sealed{}, fmt.Errorf("read key: %w", err)
	}

	data, err := Encrypt(plaintext, key)
	if err != nil {
		return Sealed{}, fmt.Errorf("encrypt: %w", err)
	}

	date := FormatDate(c.now())
	return Sealed{
		Data:      data,
		Signature: Sign([]byte(data), key, date),
		Date:      date,
	}, nil
}

// Open verifies and decrypts a sealed payload. Every failure is reported
// as domain.ErrMessagingSecurity.
func (c *Channel) Open(s Sealed) ([]byte, error) {
	key, err := c.keys.Key()
	if err != nil {
		c.logger.Error("read key", "err", err)
		return nil, domain.ErrMessagingSecurity
	}

	if !Verify([]byte(s.Data), key, s.Date, s.Signature) {
		c.logger.Debug("signature mismatch", "date", s.Date)
		return nil, domain.ErrMessagingSecurity
	}

	plaintext, err := Decrypt(s.Data, key)
	if err != nil {
		c.logger.Debug("decrypt failed", "err", err)
		return nil, domain.ErrMessagingSecurity
	}
	return plaintext, nil
}

// Authenticate checks only the signature over data, for plaintext requests.
func (c *Channel) Authenticate(data []byte, date, signature string) error {
	key, err := c.keys.Key()
	if err != nil {
		c.logger.Error("read key", "err", err)
		return domain.ErrMessagingSecurity
	}
	if !Verify(data, key, date, signature) {
		return domain.ErrMessagingSecurity
	}
	return nil
}
