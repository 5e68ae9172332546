package transport

import (
	"errors"
	"testing"
	"time"
)

func TestUnicastSendRecv(t *testing.T) {
	a := NewSocket()
	if err := a.OpenUnicast(1); err != nil {
		t.Fatalf("OpenUnicast(a) error = %v", err)
	}
	defer a.Close()

	b := NewSocket()
	if err := b.OpenUnicast(1); err != nil {
		t.Fatalf("OpenUnicast(b) error = %v", err)
	}
	defer b.Close()

	if err := a.Send([]byte("hello"), b.LocalAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, 64)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Recv() = %q, want %q", buf[:n], "hello")
	}
}

func TestInterruptEjectsBlockedReader(t *testing.T) {
	s := NewSocket()
	if err := s.OpenUnicast(1); err != nil {
		t.Fatalf("OpenUnicast() error = %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		_, err := s.Recv(buf)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Interrupt(true)

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("Recv() error = %v, want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv() not ejected by Interrupt")
	}
}

func TestInterruptPersistsUntilCleared(t *testing.T) {
	s := NewSocket()
	if err := s.OpenUnicast(1); err != nil {
		t.Fatalf("OpenUnicast() error = %v", err)
	}
	defer s.Close()

	s.Interrupt(true)
	s.Interrupt(true) // idempotent

	buf := make([]byte, 64)
	if _, err := s.Recv(buf); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Recv() while interrupted error = %v, want ErrInterrupted", err)
	}

	s.Interrupt(false)

	peer := NewSocket()
	if err := peer.OpenUnicast(1); err != nil {
		t.Fatalf("OpenUnicast(peer) error = %v", err)
	}
	defer peer.Close()

	if err := peer.Send([]byte("resume"), s.LocalAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	n, err := s.Recv(buf)
	if err != nil {
		t.Fatalf("Recv() after clear error = %v", err)
	}
	if string(buf[:n]) != "resume" {
		t.Errorf("Recv() = %q, want %q", buf[:n], "resume")
	}
}

func TestRecvAfterCloseIsNetError(t *testing.T) {
	s := NewSocket()
	if err := s.OpenUnicast(1); err != nil {
		t.Fatalf("OpenUnicast() error = %v", err)
	}
	s.Close()
	s.Close() // idempotent

	buf := make([]byte, 16)
	_, err := s.Recv(buf)
	var netErr *NetError
	if !errors.As(err, &netErr) {
		t.Errorf("Recv() after close error = %v, want *NetError", err)
	}
}
