package pty

// SessionManager is the terminal surface the UI bridge depends on.
type SessionManager interface {
	CreateSession(opts CreateOptions) (string, error)
	Write(id string, data []byte) error
	Resize(id string, rows, cols uint16) error
	Close(id string) error
	Sessions() []SessionInfo
	Session(id string) (SessionInfo, bool)
	Replay(id string) ([]byte, error)
	ReadFrom(id string, offset uint64) (Output, error)
	CloseAll()
}

var _ SessionManager = (*Manager)(nil)
