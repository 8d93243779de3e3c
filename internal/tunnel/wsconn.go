package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream presents a websocket as a byte stream for yamux. Each Write is
// one binary message; reads drain one message at a time.
type wsStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	cur     io.Reader // remainder of the message being read
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

var _ io.ReadWriteCloser = (*wsStream)(nil)
