package licensing

import (
	"encoding/json"
	"strings"
)

// TxidShape names one accepted location of the txid in a payment payload.
type TxidShape string

const (
	ShapeTopLevelTxid     TxidShape = "txid"
	ShapeTopLevelEndToEnd TxidShape = "endToEndId"
	ShapePixArrayTxid     TxidShape = "pix[0].txid"
)

// txidPayload covers every accepted shape. Fields are raw so a non-string
// value in one shape does not reject the whole payload.
type txidPayload struct {
	Txid       json.RawMessage `json:"txid"`
	EndToEndID json.RawMessage `json:"endToEndId"`
	Pix        json.RawMessage `json:"pix"`
}

type pixEntry struct {
	Txid json.RawMessage `json:"txid"`
}

type txidExtractor struct {
	shape   TxidShape
	extract func(p *txidPayload) json.RawMessage
}

// txidShapes is the closed, prioritized list of accepted shapes.
var txidShapes = []txidExtractor{
	{ShapeTopLevelTxid, func(p *txidPayload) json.RawMessage { return p.Txid }},
	{ShapeTopLevelEndToEnd, func(p *txidPayload) json.RawMessage { return p.EndToEndID }},
	{ShapePixArrayTxid, func(p *txidPayload) json.RawMessage {
		var entries []pixEntry
		if err := json.Unmarshal(p.Pix, &entries); err != nil || len(entries) == 0 {
			return nil
		}
		return entries[0].Txid
	}},
}

// TxidShapes returns the accepted shapes in priority order.
func TxidShapes() []TxidShape {
	out := make([]TxidShape, len(txidShapes))
	for i, s := range txidShapes {
		out[i] = s.shape
	}
	return out
}

// ExtractTxid returns the first non-empty string txid found in payload, in
// priority order, and the shape it came from.
func ExtractTxid(payload []byte) (string, TxidShape, error) {
	var p txidPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", "", ErrMalformedPayload
	}
	for _, s := range txidShapes {
		raw := s.extract(&p)
		if len(raw) == 0 {
			continue
		}
		var txid string
		if err := json.Unmarshal(raw, &txid); err != nil {
			continue
		}
		if txid = strings.TrimSpace(txid); txid != "" {
			return txid, s.shape, nil
		}
	}
	return "", "", ErrMissingTxid
}
