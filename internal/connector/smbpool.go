package connector

import (
	"net"
	"sync"
	"time"

	"github.com/hirochachacha/go-smb2"
)

type smbSession struct {
	conn  net.Conn
	sess  *smb2.Session
	share *smb2.Share
}

func (s *smbSession) close() {
	s.share.Umount()
	s.sess.Logoff()
	s.conn.Close()
}

func dialSMB(addr, username, password, share string) (*smbSession, error) {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, err
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     username,
			Password: password,
		},
	}

	sess, err := dialer.Dial(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	fs, err := sess.Mount(share)
	if err != nil {
		sess.Logoff()
		conn.Close()
		return nil, err
	}

	return &smbSession{conn: conn, sess: sess, share: fs}, nil
}

// smbPool caches live sessions by server identity so consecutive runs against
// the same share skip the NTLM handshake.
type smbPool struct {
	mu       sync.Mutex
	sessions map[string]*smbSession
}

func newSMBPool() *smbPool {
	return &smbPool{sessions: make(map[string]*smbSession)}
}

func (p *smbPool) get(key string) *smbSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[key]
}

func (p *smbPool) put(key string, s *smbSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.sessions[key]; ok && old != s {
		old.close()
	}
	p.sessions[key] = s
}

func (p *smbPool) drop(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[key]; ok {
		s.close()
		delete(p.sessions, key)
	}
}

func (p *smbPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sessions {
		s.close()
		delete(p.sessions, key)
	}
}
