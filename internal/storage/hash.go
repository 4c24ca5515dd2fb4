package storage

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// md5FromETag returns the MD5 carried by an S3 ETag. Multipart ETags
// ("<hex>-<parts>") and anything that is not 32 hex digits carry no MD5.
func md5FromETag(etag string) (string, bool) {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 {
		return "", false
	}
	if _, err := hex.DecodeString(etag); err != nil {
		return "", false
	}
	return strings.ToLower(etag), true
}

// md5Fix is the decision taken for a stored Content-MD5 header.
type md5Fix struct {
	// Hash is the hex hash to report, empty when the content must be hashed.
	Hash string
	// Rewrite holds the raw digest to store when the header must be replaced.
	Rewrite []byte
}

// reconcileContentMD5 interprets a stored Content-MD5 against the hash the
// caller already knows. Old uploaders stored the base64 text of the digest
// as the header bytes; such headers are rewritten as the raw digest.
func reconcileContentMD5(stored []byte, known string) md5Fix {
	if len(stored) == 0 {
		return md5Fix{}
	}
	got := hex.EncodeToString(stored)
	if known == "" || got == known {
		return md5Fix{Hash: got}
	}

	decoded, err := base64.StdEncoding.DecodeString(string(stored))
	if err == nil {
		if hex.EncodeToString(decoded) == known || string(decoded) == known {
			raw, _ := hex.DecodeString(known)
			return md5Fix{Hash: known, Rewrite: raw}
		}
	}
	return md5Fix{Hash: got}
}

// rawMD5 converts a hex hash to the digest bytes stored in Content-MD5.
func rawMD5(hexHash string) []byte {
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != 16 {
		return nil
	}
	return raw
}
