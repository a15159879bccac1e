package strand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTCPEphemeralPort(t *testing.T) {
	ln, err := listenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.close()
	assert.NotZero(t, ln.addr.Port, "ephemeral bind reports the chosen port")
	assert.Equal(t, "127.0.0.1", ln.addr.IP.String())
}

func TestListenTCPSharedPort(t *testing.T) {
	a, err := listenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.close()

	b, err := listenTCP(a.addr.String())
	require.NoError(t, err, "workers bind the same port via SO_REUSEPORT")
	defer b.close()
	assert.Equal(t, a.addr.Port, b.addr.Port)
}

func TestListenTCPBadAddress(t *testing.T) {
	_, err := listenTCP("127.0.0.1:99999")
	require.Error(t, err)
}

func TestListenerCloseTwice(t *testing.T) {
	ln, err := listenTCP("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.close())
	assert.Error(t, ln.close())
}
