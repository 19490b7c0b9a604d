// internal/storage/models.go
package storage

// BlobRecord tracks a file the engine wrote into the cache directory. Blobs
// that are never closed are found here by the cleanup worker.
type BlobRecord struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	MimeType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size"`
	Closed    bool   `json:"closed"`
	CreatedAt int64  `json:"created_at"`
}

// Credential is an identity's shared secret and auth token, sealed under a
// passphrase-derived key. Sealed is AES-256-GCM ciphertext.
type Credential struct {
	Identity  string `json:"identity"`
	Sealed    []byte `json:"-"`
	Salt      []byte `json:"-"`
	Nonce     []byte `json:"-"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}
