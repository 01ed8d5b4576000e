package whatsapp

import (
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
)

// DefaultQRImageSize is the edge length in pixels of rendered pairing images.
const DefaultQRImageSize = 256

// WriteQRTerminal renders a pairing code as half-block characters for a terminal.
func WriteQRTerminal(w io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// EncodeQRPNG renders a pairing code as a PNG image.
func EncodeQRPNG(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("empty pairing code")
	}
	if size <= 0 {
		size = DefaultQRImageSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR image: %w", err)
	}
	return png, nil
}
