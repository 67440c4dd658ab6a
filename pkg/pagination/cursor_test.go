package pagination

import (
	"encoding/base64"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cursor", func() {
	It("round-trips through encode and decode", func() {
		in := &Cursor{
			LastID:    42,
			LastValue: map[string]any{"namespace": "ns1", "name": "web"},
			Count:     100,
		}
		encoded, err := in.Encode()
		Expect(err).NotTo(HaveOccurred())

		out, err := DecodeCursor(encoded)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.LastID).To(Equal(int64(42)))
		Expect(out.LastValue).To(HaveKeyWithValue("namespace", "ns1"))
		Expect(out.Count).To(Equal(int64(100)))
	})

	It("returns nil for an empty cursor", func() {
		out, err := DecodeCursor("")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeNil())
	})

	It("rejects payloads that are not base64", func() {
		_, err := DecodeCursor("!!!not-base64!!!")
		Expect(err).To(HaveOccurred())
	})

	It("rejects payloads that are not JSON", func() {
		_, err := DecodeCursor(base64.URLEncoding.EncodeToString([]byte("not json")))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unknown version", func() {
		_, err := DecodeCursor(base64.URLEncoding.EncodeToString(
			[]byte(`{"v":99,"last_id":1,"last_value":{}}`)))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a cursor missing required fields", func() {
		_, err := DecodeCursor(base64.URLEncoding.EncodeToString(
			[]byte(`{"v":1,"count":5}`)))
		Expect(err).To(HaveOccurred())
	})

	It("tolerates unknown fields", func() {
		out, err := DecodeCursor(base64.URLEncoding.EncodeToString(
			[]byte(`{"v":1,"last_id":1,"last_value":{},"count":0,"future_field":true}`)))
		Expect(err).NotTo(HaveOccurred())
		Expect(out.LastID).To(Equal(int64(1)))
	})

	It("rejects oversized payloads", func() {
		_, err := DecodeCursor(strings.Repeat("A", maxCursorBytes+1))
		Expect(err).To(HaveOccurred())
	})
})
