package socks5

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeConnectHappyPath(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	h := New(server, nil)
	go func() { done <- h.Do() }()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	greetReply := make([]byte, 2)
	_, err = client.Read(greetReply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, greetReply)

	_, err = client.Write([]byte{0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})
	require.NoError(t, err)
	reply := make([]byte, 10)
	_, err = client.Read(reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, reply)

	require.NoError(t, <-done)
	require.Equal(t, "127.0.0.1", h.Host())
	require.Equal(t, 80, h.Port())
}

func TestHandshakeUserPassAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	h := New(server, &Credentials{User: "u", Pass: "p"})
	go func() { done <- h.Do() }()

	_, err := client.Write([]byte{0x05, 0x01, 0x02})
	require.NoError(t, err)
	greetReply := make([]byte, 2)
	_, err = client.Read(greetReply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x02}, greetReply)

	_, err = client.Write([]byte{0x01, 0x01, 0x75, 0x01, 0x70})
	require.NoError(t, err)
	authReply := make([]byte, 2)
	_, err = client.Read(authReply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x00}, authReply)

	req := []byte{0x05, 0x01, 0x00, 0x03, 0x09, 'l', 'o', 'c', 'a', 'l', 'h', 'o', 's', 't', 0x00, 0x50}
	_, err = client.Write(req)
	require.NoError(t, err)
	reply := make([]byte, 10)
	_, err = client.Read(reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, reply)

	require.NoError(t, <-done)
	require.Equal(t, "localhost", h.Host())
	require.Equal(t, 80, h.Port())
}

func TestHandshakeRejectsBadAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	h := New(server, &Credentials{User: "u", Pass: "p"})
	go func() { done <- h.Do() }()

	client.Write([]byte{0x05, 0x01, 0x02})
	greetReply := make([]byte, 2)
	client.Read(greetReply)

	client.Write([]byte{0x01, 0x01, 'x', 0x01, 'y'})
	authReply := make([]byte, 2)
	_, err := client.Read(authReply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x01}, authReply)

	err = <-done
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestHandshakeRejectsUnsupportedCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	h := New(server, nil)
	go func() { done <- h.Do() }()

	client.Write([]byte{0x05, 0x01, 0x00})
	greetReply := make([]byte, 2)
	client.Read(greetReply)

	// BIND instead of CONNECT.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})
	reply := make([]byte, 10)
	client.Read(reply)
	require.Equal(t, byte(0x07), reply[1])

	err := <-done
	require.ErrorIs(t, err, ErrUnsupportedCommand)
}
