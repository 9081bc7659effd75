// Package tray shows relay status in the system tray and offers a Quit item.
package tray

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/getlantern/systray"
)

// Snapshot is the relay state rendered in the tray.
type Snapshot struct {
	Port             int
	Pending          int
	Ready            bool
	CompanionRunning bool
}

// Label renders s for the status item.
func Label(s Snapshot) string {
	state := "BUSY"
	if s.Ready {
		state = "READY"
	}
	companion := "companion stopped"
	if s.CompanionRunning {
		companion = "companion running"
	}
	return fmt.Sprintf("Port %d | %d pending | %s | %s", s.Port, s.Pending, state, companion)
}

// Tray owns the systray loop.
type Tray struct {
	status   func() Snapshot
	onQuit   func()
	interval time.Duration
}

// New creates a tray that polls status every second. onQuit runs when the
// user picks Quit.
func New(status func() Snapshot, onQuit func()) *Tray {
	return &Tray{status: status, onQuit: onQuit, interval: time.Second}
}

// Run blocks in the systray event loop until ctx ends or Quit is picked. On
// macOS it must be called from the main goroutine.
func (t *Tray) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(func() { t.setup(ctx) }, cancel)
}

func (t *Tray) setup(ctx context.Context) {
	systray.SetTitle("keyrelay")
	systray.SetTooltip("keyrelay action sequence relay")
	systray.SetIcon(icon())

	statusItem := systray.AddMenuItem(Label(t.status()), "Relay status")
	statusItem.Disable()
	systray.AddSeparator()
	quit := systray.AddMenuItem("Quit", "Stop the relay")

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				statusItem.SetTitle(Label(t.status()))
			case <-quit.ClickedCh:
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()
}

const iconSize = 16

// icon builds a 16x16 32-bit ICO with a solid rounded square.
func icon() []byte {
	const (
		dirSize    = 6 + 16
		headerSize = 40
		pixelBytes = iconSize * iconSize * 4
		maskBytes  = iconSize * 4 // 1bpp rows padded to 32 bits
	)
	imageSize := headerSize + pixelBytes + maskBytes
	buf := make([]byte, dirSize+imageSize)
	le := binary.LittleEndian

	// ICONDIR + one ICONDIRENTRY.
	le.PutUint16(buf[2:], 1)
	le.PutUint16(buf[4:], 1)
	buf[6] = iconSize
	buf[7] = iconSize
	le.PutUint16(buf[10:], 1)
	le.PutUint16(buf[12:], 32)
	le.PutUint32(buf[14:], uint32(imageSize))
	le.PutUint32(buf[18:], dirSize)

	// BITMAPINFOHEADER; height counts the AND mask too.
	h := buf[dirSize:]
	le.PutUint32(h[0:], headerSize)
	le.PutUint32(h[4:], iconSize)
	le.PutUint32(h[8:], iconSize*2)
	le.PutUint16(h[12:], 1)
	le.PutUint16(h[14:], 32)
	le.PutUint32(h[20:], pixelBytes)

	px := h[headerSize:]
	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			corner := (x == 0 || x == iconSize-1) && (y == 0 || y == iconSize-1)
			if corner {
				continue
			}
			i := (y*iconSize + x) * 4
			px[i+0] = 0x4c // B
			px[i+1] = 0xaf // G
			px[i+2] = 0x50 // R
			px[i+3] = 0xff // A
		}
	}
	return buf
}
