package api

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"

	"github.com/skip2/go-qrcode"
)

// handleTransport exposes the broker's transport pubkey as a bunker://
// connection string, enriched with a QR code the operator can scan from the
// signer device (see SPEC_FULL.md §4.9's transport endpoint detail).
func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	pubHex := hex.EncodeToString(s.Core.TransportPub)

	values := url.Values{}
	for _, relay := range s.Relays {
		values.Add("relay", relay)
	}
	bunkerURI := "bunker://" + pubHex
	if encoded := values.Encode(); encoded != "" {
		bunkerURI += "?" + encoded
	}

	png, err := qrcode.Encode(bunkerURI, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pubkey":     pubHex,
		"connectUri": bunkerURI,
		"relays":     s.Relays,
		"qr":         "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	})
}
