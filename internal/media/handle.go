package media

// Handle is what the resolver hands back: either a local file or a remote
// URL the renderer can load directly. Consumers switch on the concrete type.
type Handle interface {
	handle()
}

// LocalFile is a decrypted payload on disk. Blob is the engine's blob type;
// it is declared as an interface here to keep this package a leaf.
type LocalFile struct {
	Blob interface {
		Path() string
		MimeType() string
		Close() error
	}
}

// RemoteURL is a direct or authenticated URL.
type RemoteURL struct {
	URL string
}

func (LocalFile) handle() {}
func (RemoteURL) handle() {}

// URI renders the handle as something a player or image view can open.
func URI(h Handle) string {
	switch v := h.(type) {
	case LocalFile:
		return "file://" + v.Blob.Path()
	case RemoteURL:
		return v.URL
	}
	return ""
}
