package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, respond Responder) (*Device, *MockLine) {
	t.Helper()
	line := NewMockLine(respond)
	dev := NewDevice("test", HardwareSerial, line)
	require.NoError(t, dev.Open(19200))
	t.Cleanup(func() { dev.Close() })
	return dev, line
}

func TestDeviceReadUntil(t *testing.T) {
	t.Run("Terminator Included", func(t *testing.T) {
		dev, line := newTestDevice(t, nil)
		line.Inject([]byte{0xFE, 0xFE, 0xE0, 0xA4, 0xFB, 0xFD, 0x01})

		buf := make([]byte, 32)
		n := dev.ReadUntil(0xFD, buf, 200*time.Millisecond)
		assert.Equal(t, 6, n)
		assert.Equal(t, byte(0xFD), buf[n-1])

		// the byte after the terminator stays buffered
		assert.True(t, dev.WaitAvailable(100*time.Millisecond))
		assert.Equal(t, 0x01, dev.Peek())
		assert.Equal(t, 0x01, dev.Read())
		assert.Equal(t, -1, dev.Read())
	})

	t.Run("Buffer Full", func(t *testing.T) {
		dev, line := newTestDevice(t, nil)
		line.Inject([]byte("HRBN5;"))

		buf := make([]byte, 3)
		n := dev.ReadUntil(';', buf, 200*time.Millisecond)
		assert.Equal(t, 3, n)
		assert.Equal(t, "HRB", string(buf[:n]))
	})

	t.Run("Timeout", func(t *testing.T) {
		dev, _ := newTestDevice(t, nil)

		start := time.Now()
		n := dev.ReadUntil(0xFD, make([]byte, 8), 50*time.Millisecond)
		assert.Zero(t, n)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})
}

func TestDeviceReadStringUntil(t *testing.T) {
	dev, _ := newTestDevice(t, func(baud int, written []byte) []byte {
		if string(written) == "HRAA;" {
			return []byte("HRAA;\r\n")
		}
		return nil
	})

	_, err := dev.WriteString("HRAA;")
	require.NoError(t, err)
	assert.Equal(t, "HRAA;", dev.ReadStringUntil(';', 200*time.Millisecond))
	assert.Equal(t, "\r\n", dev.ReadStringUntil(';', 50*time.Millisecond))
}

func TestDeviceSetBaud(t *testing.T) {
	dev, line := newTestDevice(t, nil)
	line.Inject([]byte("stale"))
	require.True(t, dev.WaitAvailable(200*time.Millisecond))

	require.NoError(t, dev.SetBaud(115200))
	assert.Equal(t, 115200, dev.Baud())
	assert.Equal(t, 115200, line.Speed())
	assert.Zero(t, dev.Available())
	assert.Equal(t, []int{19200, 115200}, line.Speeds())
}

func TestDeviceClose(t *testing.T) {
	line := NewMockLine(nil)
	dev := NewDevice("test", USBSerialHost, line)
	require.NoError(t, dev.Open(9600))
	assert.True(t, dev.IsOpen())

	require.NoError(t, dev.Close())
	assert.False(t, dev.IsOpen())

	_, err := dev.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, dev.Open(9600), ErrClosed)
}

func TestDeviceTryLock(t *testing.T) {
	dev, _ := newTestDevice(t, nil)

	dev.Lock()
	assert.False(t, dev.TryLock())
	dev.Unlock()
	assert.True(t, dev.TryLock())
	dev.Unlock()
}

func TestDeviceTypeString(t *testing.T) {
	assert.Equal(t, "HardwareSerial", HardwareSerial.String())
	assert.Equal(t, "USBSerialHost", USBSerialHost.String())
	assert.Equal(t, "Unknown", DeviceType(42).String())
}
