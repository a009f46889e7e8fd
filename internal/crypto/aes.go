package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// FileResult is the output of decrypting one uploaded file.
type FileResult struct {
	// Plaintext is the concatenation of every successfully decrypted
	// line, newline separated.
	Plaintext []byte
	// Dropped records lines that failed decryption and were discarded.
	Dropped []LineIssue
	// Key is the raw AES key that worked, so ingest can cache it for
	// split iOS uploads.
	Key []byte
}

// DecryptFile decrypts the body of an upload with an already-unwrapped
// key. Lines are `base64(iv):base64(ciphertext)`; bad lines are dropped
// and recorded. isMP4 relaxes the padding check for the app's mp4 writer,
// which pads with garbage instead of PKCS7 on the final chunk.
func DecryptFile(key []byte, body []byte, isMP4 bool) (*FileResult, error) {
	if allNull(body) {
		return nil, ErrRemoteDelete
	}

	lines := splitLines(body)
	if len(lines) == 0 {
		return nil, ErrRemoteDelete
	}

	res := &FileResult{Key: key}
	var out [][]byte
	for i, line := range lines {
		plain, issue := decryptLine(key, line, isMP4)
		if issue != nil {
			res.Dropped = append(res.Dropped, LineIssue{Line: i, Type: *issue})
			continue
		}
		out = append(out, plain)
	}
	res.Plaintext = bytes.Join(out, []byte("\n"))
	return res, nil
}

func decryptLine(key, line []byte, isMP4 bool) ([]byte, *LineErrorType) {
	if len(line) == 0 {
		return nil, issue(LineEmpty)
	}

	parts := strings.SplitN(string(line), ":", 2)
	if len(parts) != 2 {
		return nil, issue(IVMissing)
	}

	iv, err := base64.StdEncoding.DecodeString(pad(parts[0]))
	if err != nil {
		if iv, err = DecodeURLSafe(parts[0]); err != nil {
			return nil, issue(MalformedConfig)
		}
	}
	if len(iv) != aes.BlockSize {
		return nil, issue(IVBadLength)
	}

	ct, err := base64.StdEncoding.DecodeString(pad(parts[1]))
	if err != nil {
		if ct, err = DecodeURLSafe(parts[1]); err != nil {
			return nil, issue(MalformedConfig)
		}
	}

	// Any overflow past the last 16-byte boundary is dropped silently.
	ct = ct[:len(ct)-len(ct)%aes.BlockSize]
	if len(ct) == 0 {
		return nil, issue(InvalidLength)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, issue(AESKeyBadLength)
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, ok := pkcs7Unpad(plain)
	if !ok {
		if isMP4 {
			// mp4 chunks carry raw media bytes in the final block.
			return nil, issue(MP4Padding)
		}
		return nil, issue(PaddingError)
	}
	return unpadded, nil
}

// EncryptFile is the device-side encoding, used by tests and fixtures.
func EncryptFile(key []byte, plaintext []byte) ([]byte, error) {
	var out [][]byte
	for _, line := range bytes.Split(plaintext, []byte("\n")) {
		enc, err := encryptLine(key, line)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return bytes.Join(out, []byte("\n")), nil
}

func encryptLine(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	line := base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ct)
	return []byte(line), nil
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}

func splitLines(body []byte) [][]byte {
	raw := bytes.Split(body, []byte("\n"))
	lines := raw[:0]
	for _, l := range raw {
		if len(bytes.TrimSpace(l)) > 0 {
			lines = append(lines, l)
		}
	}
	return lines
}

func allNull(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func pad(s string) string {
	if m := len(s) % 4; m != 0 {
		return s + strings.Repeat("=", 4-m)
	}
	return s
}

func issue(t LineErrorType) *LineErrorType { return &t }
