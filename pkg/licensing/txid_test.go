package licensing

import (
	"errors"
	"reflect"
	"testing"
)

func TestExtractTxid(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantTxid  string
		wantShape TxidShape
		wantErr   error
	}{
		{"top level txid", `{"txid":"TX1"}`, "TX1", ShapeTopLevelTxid, nil},
		{"end to end id", `{"endToEndId":"E2E1"}`, "E2E1", ShapeTopLevelEndToEnd, nil},
		{"nested pix", `{"pix":[{"txid":"PIX1"},{"txid":"PIX2"}]}`, "PIX1", ShapePixArrayTxid, nil},
		{"priority txid over pix", `{"pix":[{"txid":"PIX1"}],"txid":"TX1"}`, "TX1", ShapeTopLevelTxid, nil},
		{"priority endToEnd over pix", `{"pix":[{"txid":"PIX1"}],"endToEndId":"E2E1"}`, "E2E1", ShapeTopLevelEndToEnd, nil},
		{"blank txid falls through", `{"txid":"  ","pix":[{"txid":"PIX1"}]}`, "PIX1", ShapePixArrayTxid, nil},
		{"non string txid falls through", `{"txid":42,"endToEndId":"E2E1"}`, "E2E1", ShapeTopLevelEndToEnd, nil},
		{"pix not an array", `{"pix":{"txid":"PIX1"}}`, "", "", ErrMissingTxid},
		{"empty pix", `{"pix":[]}`, "", "", ErrMissingTxid},
		{"no txid", `{"amount":100}`, "", "", ErrMissingTxid},
		{"null", `null`, "", "", ErrMissingTxid},
		{"not json", `txid=TX1`, "", "", ErrMalformedPayload},
		{"array body", `[{"txid":"TX1"}]`, "", "", ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txid, shape, err := ExtractTxid([]byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v, want %v", err, tt.wantErr)
			}
			if txid != tt.wantTxid || shape != tt.wantShape {
				t.Fatalf("got (%q,%q), want (%q,%q)", txid, shape, tt.wantTxid, tt.wantShape)
			}
		})
	}
}

func TestTxidShapesOrder(t *testing.T) {
	want := []TxidShape{ShapeTopLevelTxid, ShapeTopLevelEndToEnd, ShapePixArrayTxid}
	if got := TxidShapes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("TxidShapes()=%v, want %v", got, want)
	}
}
