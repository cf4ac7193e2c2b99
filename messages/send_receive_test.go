package messages

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestServerAndClient(t *testing.T) (*net.UDPConn, *net.UDPConn, net.Addr) {
	connServer, err := CreateServerSocket(net.ParseIP("127.0.0.1"), 0)
	if err != nil {
		t.Fatalf(`Creating server failed: %v`, err)
	}
	port := connServer.LocalAddr().(*net.UDPAddr).Port

	connClient, serverAddr, err := CreateClientSocket("127.0.0.1", port)
	if err != nil {
		t.Fatalf(`Creating client failed: %v`, err)
	}
	t.Cleanup(func() {
		connClient.Close()
		connServer.Close()
	})

	// send a read request to learn the client address
	msg := ReadRequest{Filename: "some/thing", Mode: "octet"}
	err = msg.Send(connClient, serverAddr)
	if err != nil {
		t.Fatalf(`Error while sending message to server: %v`, err)
	}
	addr, data, err := ServerReceive(connServer, time.Second)
	if err != nil {
		t.Fatalf(`Error while receiving on server: %v`, err)
	}
	msgr, err := Decode(data)
	if err != nil {
		t.Fatalf(`Error while parsing clients message: %v`, err)
	}
	rrq := msgr.(ReadRequest)
	assert.Equal(t, msg.Filename, rrq.Filename, "filename mismatch")
	assert.Equal(t, msg.Mode, rrq.Mode, "mode mismatch")

	return connServer, connClient, addr
}

func TestDataRoundTrip(t *testing.T) {
	connServer, connClient, addr := createTestServerAndClient(t)

	msg := Data{Block: 42, Payload: []byte("asdf")}
	require.NoError(t, msg.Send(connServer, addr))

	from, data, err := ClientReceive(connClient, time.Second)
	require.NoError(t, err)
	assert.Equal(t, connServer.LocalAddr().String(), from.String())

	msgr, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, msgr.(Data))
}

func TestErrorRoundTrip(t *testing.T) {
	connServer, connClient, addr := createTestServerAndClient(t)

	msg := Error{Code: ErrAccessViolation, Message: "outside root"}
	require.NoError(t, msg.Send(connServer, addr))

	_, data, err := ClientReceive(connClient, time.Second)
	require.NoError(t, err)
	msgr, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, msgr.(Error))
}

func TestAckRoundTrip(t *testing.T) {
	connServer, connClient, _ := createTestServerAndClient(t)

	require.NoError(t, Ack{Block: 7}.Send(connClient, connServer.LocalAddr()))
	_, data, err := ServerReceive(connServer, time.Second)
	require.NoError(t, err)
	msgr, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Ack{Block: 7}, msgr)
}

func TestTimeout(t *testing.T) {
	_, connClient, _ := createTestServerAndClient(t)

	_, _, err := ClientReceive(connClient, 100*time.Millisecond)

	if !os.IsTimeout(err) {
		t.Fatalf(`This receive should actually time out!`)
	}
	if err, ok := err.(net.Error); !ok || !err.Timeout() {
		t.Fatalf(`This receive should actually time out!`)
	}
}
