package archive

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Sealed-archive framing: magic, scrypt salt, then length-prefixed
// AEAD-sealed chunks with a counter nonce.
var sealMagic = []byte("GGRBSEAL1")

const (
	sealSaltLen  = 16
	sealChunkLen = 64 * 1024
)

// ErrBadPassword is returned when unsealing fails to authenticate.
var ErrBadPassword = errors.New("wrong password or corrupted archive")

func deriveSealKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
}

func sealNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

// sealFile encrypts src into dst with a password-derived key.
func sealFile(src, dst, password string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	defer func() { _ = out.Close() }()

	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	key, err := deriveSealKey(password, salt)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	if _, err := out.Write(sealMagic); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if _, err := out.Write(salt); err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	buf := make([]byte, sealChunkLen)
	var counter uint64
	for {
		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			sealed := aead.Seal(nil, sealNonce(counter), buf[:n], nil)
			counter++
			var lenPrefix [4]byte
			binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
			if _, err := out.Write(lenPrefix[:]); err != nil {
				return fmt.Errorf("seal: %w", err)
			}
			if _, err := out.Write(sealed); err != nil {
				return fmt.Errorf("seal: %w", err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("seal: %w", readErr)
		}
	}
	return out.Close()
}

// UnsealFile decrypts a sealed archive produced with the same password.
func UnsealFile(src, dst, password string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("unseal: %w", err)
	}
	defer func() { _ = in.Close() }()

	header := make([]byte, len(sealMagic)+sealSaltLen)
	if _, err := io.ReadFull(in, header); err != nil {
		return fmt.Errorf("unseal: %w", err)
	}
	if string(header[:len(sealMagic)]) != string(sealMagic) {
		return errors.New("unseal: not a sealed archive")
	}
	key, err := deriveSealKey(password, header[len(sealMagic):])
	if err != nil {
		return fmt.Errorf("unseal: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("unseal: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("unseal: %w", err)
	}
	defer func() { _ = out.Close() }()

	var counter uint64
	var lenPrefix [4]byte
	for {
		if _, err := io.ReadFull(in, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("unseal: %w", err)
		}
		sealed := make([]byte, binary.BigEndian.Uint32(lenPrefix[:]))
		if _, err := io.ReadFull(in, sealed); err != nil {
			return fmt.Errorf("unseal: %w", err)
		}
		plain, err := aead.Open(nil, sealNonce(counter), sealed, nil)
		if err != nil {
			return ErrBadPassword
		}
		counter++
		if _, err := out.Write(plain); err != nil {
			return fmt.Errorf("unseal: %w", err)
		}
	}
	return out.Close()
}
