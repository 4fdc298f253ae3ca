package remoting

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// A response packet with three string headers and two bodies, as sent by
// a remoting gateway in AMF0.
var amf0Packet = []byte{
	0, 0, 0, 3, 0, 1, 97, 0, 0, 0, 0, 0, 2, 0, 1, 98, 0, 1, 99, 0,
	0, 0, 0, 0, 2, 0, 1, 100, 0, 1, 101, 0, 0, 0, 0, 0, 2, 0, 1, 102,
	0, 2, 0, 13, 109, 115, 103, 49, 47, 111, 110, 82, 101, 115, 117, 108, 116, 0, 4, 110,
	117, 108, 108, 0, 0, 0, 0, 3, 0, 3, 100, 98, 108, 0, 64, 86, 128, 163, 215, 10,
	61, 113, 0, 11, 116, 121, 112, 101, 100, 79, 98, 106, 101, 99, 116, 16, 0, 3, 70, 111,
	111, 0, 3, 98, 97, 114, 2, 0, 3, 98, 97, 122, 0, 0, 9, 0, 9, 101, 99, 109,
	97, 65, 114, 114, 97, 121, 8, 0, 0, 0, 0, 0, 1, 97, 2, 0, 1, 49, 0, 1,
	99, 2, 0, 1, 51, 0, 1, 98, 2, 0, 1, 50, 0, 0, 9, 0, 4, 100, 97, 116,
	101, 11, 66, 115, 190, 228, 31, 192, 0, 0, 0, 0, 0, 7, 105, 110, 116, 101, 103, 101,
	114, 0, 64, 69, 0, 0, 0, 0, 0, 0, 0, 4, 110, 111, 110, 101, 5, 0, 5, 117,
	110, 100, 101, 102, 6, 0, 3, 111, 98, 106, 3, 0, 1, 97, 0, 63, 240, 0, 0, 0,
	0, 0, 0, 0, 1, 98, 0, 64, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9, 0, 3,
	102, 108, 115, 1, 0, 0, 11, 120, 109, 108, 68, 111, 99, 117, 109, 101, 110, 116, 15, 0,
	0, 0, 82, 60, 114, 111, 111, 116, 62, 60, 112, 97, 114, 101, 110, 116, 62, 60, 99, 104,
	105, 108, 100, 32, 105, 100, 61, 34, 99, 49, 34, 62, 102, 111, 111, 60, 47, 99, 104, 105,
	108, 100, 62, 60, 99, 104, 105, 108, 100, 32, 105, 100, 61, 34, 99, 50, 34, 62, 98, 97,
	114, 60, 47, 99, 104, 105, 108, 100, 62, 60, 47, 112, 97, 114, 101, 110, 116, 62, 60, 47,
	114, 111, 111, 116, 62, 0, 3, 115, 116, 114, 2, 0, 6, 115, 101, 110, 99, 104, 97, 0,
	11, 115, 116, 114, 105, 99, 116, 65, 114, 114, 97, 121, 10, 0, 0, 0, 3, 0, 63, 240,
	0, 0, 0, 0, 0, 0, 0, 64, 0, 0, 0, 0, 0, 0, 0, 0, 64, 8, 0, 0,
	0, 0, 0, 0, 0, 3, 116, 114, 117, 1, 1, 0, 0, 9, 0, 13, 109, 115, 103, 50,
	47, 111, 110, 82, 101, 115, 117, 108, 116, 0, 4, 110, 117, 108, 108, 0, 0, 0, 0, 3,
	0, 4, 116, 101, 120, 116, 2, 0, 5, 104, 101, 108, 108, 111, 0, 0, 9,
}

// The same packet in AMF3. Header values switch to AMF3 through the AVM+
// marker and all value lengths are left unknown.
var amf3Packet = []byte{
	0, 3, 0, 3, 0, 1, 97, 0, 0, 0, 0, 0, 17, 6, 3, 98, 0, 1, 99, 0,
	0, 0, 0, 0, 17, 6, 3, 100, 0, 1, 101, 0, 0, 0, 0, 0, 17, 6, 3, 102,
	0, 2, 0, 17, 109, 101, 115, 115, 97, 103, 101, 48, 47, 111, 110, 82, 101, 115, 117, 108,
	116, 0, 4, 110, 117, 108, 108, 0, 0, 0, 0, 17, 10, 11, 1, 7, 100, 98, 108, 5,
	64, 86, 128, 163, 215, 10, 61, 113, 9, 100, 97, 116, 101, 8, 1, 66, 115, 190, 228, 31,
	192, 0, 0, 15, 105, 110, 116, 101, 103, 101, 114, 4, 42, 11, 97, 114, 114, 97, 121, 9,
	7, 1, 4, 1, 4, 2, 4, 3, 7, 120, 109, 108, 11, 129, 37, 60, 114, 111, 111, 116,
	62, 60, 112, 97, 114, 101, 110, 116, 62, 60, 99, 104, 105, 108, 100, 32, 105, 100, 61, 34,
	99, 49, 34, 62, 102, 111, 111, 60, 47, 99, 104, 105, 108, 100, 62, 60, 99, 104, 105, 108,
	100, 32, 105, 100, 61, 34, 99, 50, 34, 62, 98, 97, 114, 60, 47, 99, 104, 105, 108, 100,
	62, 60, 47, 112, 97, 114, 101, 110, 116, 62, 60, 47, 114, 111, 111, 116, 62, 9, 110, 111,
	110, 101, 1, 11, 117, 110, 100, 101, 102, 0, 7, 111, 98, 106, 10, 1, 3, 97, 4, 1,
	3, 98, 4, 2, 1, 7, 102, 108, 115, 2, 23, 120, 109, 108, 68, 111, 99, 117, 109, 101,
	110, 116, 11, 6, 7, 115, 116, 114, 6, 13, 115, 101, 110, 99, 104, 97, 7, 116, 114, 117,
	3, 1, 0, 17, 109, 101, 115, 115, 97, 103, 101, 49, 47, 111, 110, 82, 101, 115, 117, 108,
	116, 0, 4, 110, 117, 108, 108, 0, 0, 0, 0, 17, 10, 11, 1, 9, 116, 101, 120, 116,
	6, 11, 104, 101, 108, 108, 111, 1,
}

func prop(key string, v amf.Value) amf.Property {
	return amf.Property{Key: key, Value: v}
}

func scenarioEnvelope(version Version) *Envelope {
	msg1 := amf.NewObject("",
		prop("integer", amf.Integer(42)),
		prop("dbl", amf.Number(90.01)),
		prop("tru", amf.Boolean(true)),
		prop("fls", amf.Boolean(false)),
		prop("str", amf.String("sencha")),
		prop("none", amf.Null{}),
		prop("undef", amf.Undefined{}),
		prop("strictArray", amf.NewArray(amf.Integer(1), amf.Integer(2), amf.Integer(3))),
	)
	msg2 := amf.NewObject("", prop("text", amf.String("hello")))

	return NewEnvelope(version).
		AddHeader("a", false, amf.String("b")).
		AddHeader("c", false, amf.String("d")).
		AddHeader("e", true, amf.String("f")).
		AddBody("msg1", "/1", msg1).
		AddBody("msg2", "/2", msg2)
}

func recordset() amf.Value {
	rows := make([]amf.Value, 0, 3)
	for i, name := range []string{"alpha", "beta", "gamma"} {
		rows = append(rows, amf.NewObject("",
			prop("id", amf.Integer(i+1)),
			prop("name", amf.String(name)),
		))
	}
	return amf.NewArray(rows...)
}

func TestEndToEnd(t *testing.T) {
	for _, version := range []Version{Version0, Version3} {
		t.Run(version.String(), func(t *testing.T) {
			env := scenarioEnvelope(version)
			data, err := Encode(env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !env.Equal(got) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, env)
			}
			if h, ok := got.Header("e"); !ok || !h.MustUnderstand {
				t.Errorf("header e: got %+v, %v", h, ok)
			}
		})
	}
}

func TestNonFiniteNumbers(t *testing.T) {
	for _, version := range []Version{Version0, Version3} {
		t.Run(version.String(), func(t *testing.T) {
			env := NewEnvelope(version).
				AddHeader("nan", false, amf.Number(math.NaN())).
				AddBody("nan", "/1", amf.Number(math.NaN())).
				AddBody("inf", "/2", amf.NewArray(amf.Number(math.Inf(1)), amf.Number(math.Inf(-1)))).
				AddBody("date", "/3", &amf.Date{Milliseconds: math.NaN()})
			data, err := Encode(env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !env.Equal(got) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, env)
			}
		})
	}
}

func TestRecordset(t *testing.T) {
	for _, version := range []Version{Version0, Version3} {
		t.Run(version.String(), func(t *testing.T) {
			env := NewEnvelope(version).AddBody("/1/onResult", "null", recordset())
			data, err := Encode(env)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			rows, ok := got.Bodies[0].Value.(*amf.Array)
			if !ok || len(rows.Elements) != 3 {
				t.Fatalf("got %#v", got.Bodies[0].Value)
			}
			for i, want := range []string{"alpha", "beta", "gamma"} {
				row := rows.Elements[i].(*amf.Object)
				if len(row.Properties) != 2 || row.Properties[0].Key != "id" || row.Properties[1].Key != "name" {
					t.Fatalf("row %d field order: %+v", i, row.Properties)
				}
				if !amf.Equal(row.Properties[0].Value, amf.Integer(i+1)) {
					t.Errorf("row %d id: got %v", i, row.Properties[0].Value)
				}
				if row.Properties[1].Value != amf.String(want) {
					t.Errorf("row %d name: got %v", i, row.Properties[1].Value)
				}
			}
		})
	}
}

func checkPacketHeaders(t *testing.T, env *Envelope) {
	t.Helper()
	if len(env.Headers) != 3 {
		t.Fatalf("got %d headers", len(env.Headers))
	}
	for i, want := range [][2]string{{"a", "b"}, {"c", "d"}, {"e", "f"}} {
		h := env.Headers[i]
		if h.Name != want[0] || h.Value != amf.String(want[1]) {
			t.Errorf("header %d: got %s=%v", i, h.Name, h.Value)
		}
	}
	if len(env.Bodies) != 2 {
		t.Fatalf("got %d bodies", len(env.Bodies))
	}
	if text, _ := env.Bodies[1].Value.(*amf.Object).Get("text"); text != amf.String("hello") {
		t.Errorf("body 1 text: got %v", text)
	}
}

func field(t *testing.T, obj *amf.Object, key string) amf.Value {
	t.Helper()
	v, ok := obj.Get(key)
	if !ok {
		t.Fatalf("missing property %q", key)
	}
	return v
}

func TestDecodeAMF0Packet(t *testing.T) {
	env, err := Decode(amf0Packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Version != Version0 {
		t.Errorf("version: got %v", env.Version)
	}
	checkPacketHeaders(t, env)
	if env.Bodies[0].Target != "msg1/onResult" || env.Bodies[0].Response != "null" {
		t.Errorf("body 0: target %q response %q", env.Bodies[0].Target, env.Bodies[0].Response)
	}

	body := env.Bodies[0].Value.(*amf.Object)
	checks := map[string]amf.Value{
		"integer":     amf.Number(42),
		"dbl":         amf.Number(90.01),
		"tru":         amf.Boolean(true),
		"fls":         amf.Boolean(false),
		"str":         amf.String("sencha"),
		"none":        amf.Null{},
		"undef":       amf.Undefined{},
		"obj":         amf.NewObject("", prop("a", amf.Number(1)), prop("b", amf.Number(2))),
		"strictArray": amf.NewArray(amf.Number(1), amf.Number(2), amf.Number(3)),
		"date":        &amf.Date{Milliseconds: 1356912000000},
		"typedObject": amf.NewObject("Foo", prop("bar", amf.String("baz"))),
	}
	for key, want := range checks {
		if got := field(t, body, key); !amf.Equal(got, want) {
			t.Errorf("%s: got %#v, want %#v", key, got, want)
		}
	}

	ecma := field(t, body, "ecmaArray").(*amf.AssociativeArray)
	for k, want := range map[string]amf.String{"a": "1", "b": "2", "c": "3"} {
		if got, _ := ecma.Get(k); got != want {
			t.Errorf("ecmaArray.%s: got %v", k, got)
		}
	}
	doc := field(t, body, "xmlDocument").(*amf.XMLDocument)
	if !strings.HasPrefix(doc.Text, "<root>") || len(doc.Text) != 82 {
		t.Errorf("xmlDocument: got %q", doc.Text)
	}
}

func TestDecodeAMF3Packet(t *testing.T) {
	env, err := Decode(amf3Packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Version != Version3 {
		t.Errorf("version: got %v", env.Version)
	}
	checkPacketHeaders(t, env)
	if env.Bodies[0].Target != "message0/onResult" {
		t.Errorf("body 0 target: %q", env.Bodies[0].Target)
	}

	body := env.Bodies[0].Value.(*amf.Object)
	if got := field(t, body, "integer"); got != amf.Integer(42) {
		t.Errorf("integer: got %#v", got)
	}
	if got := field(t, body, "array"); !amf.Equal(got, amf.NewArray(amf.Integer(1), amf.Integer(2), amf.Integer(3))) {
		t.Errorf("array: got %#v", got)
	}
	if got := field(t, body, "date"); !amf.Equal(got, &amf.Date{Milliseconds: 1356912000000}) {
		t.Errorf("date: got %#v", got)
	}
	xml := field(t, body, "xml").(*amf.XML)
	if !strings.HasPrefix(xml.Text, "<root>") {
		t.Errorf("xml: got %q", xml.Text)
	}
	// xmlDocument is a back reference to the xml value
	if field(t, body, "xmlDocument") != amf.Value(xml) {
		t.Error("xmlDocument does not share the xml instance")
	}

	// The body value re-encodes to the original bytes
	start := bytes.Index(amf3Packet, []byte{0x11, 0x0A, 0x0B, 0x01, 0x07})
	end := bytes.Index(amf3Packet, append([]byte{0, 17}, "message1"...))
	got, err := Marshal(Version3, body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(got, amf3Packet[start:end]) {
		t.Errorf("re-encode body 0:\n got % X\nwant % X", got, amf3Packet[start:end])
	}

	// Encoding backfills the lengths the sender left unknown
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	again, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode re-encoded: %v", err)
	}
	if !env.Equal(again) {
		t.Error("re-encoded packet does not match")
	}
}

func TestUnmarshalBareAMF3(t *testing.T) {
	v, err := Unmarshal(Version3, []byte{0x04, 42})
	if err != nil {
		t.Fatal(err)
	}
	if v != amf.Integer(42) {
		t.Errorf("got %#v", v)
	}
	v, err = Unmarshal(Version3, []byte{0x11, 0x04, 42})
	if err != nil {
		t.Fatal(err)
	}
	if v != amf.Integer(42) {
		t.Errorf("prefixed: got %#v", v)
	}
}

func TestLengths(t *testing.T) {
	header := func(length ...byte) []byte {
		b := []byte{0, 0, 0, 1, 0, 1, 'a', 0}
		b = append(b, length...)
		return append(b, 0x05, 0, 0)
	}
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"exact", header(0, 0, 0, 1), nil},
		{"unknown zero", header(0, 0, 0, 0), nil},
		{"unknown all ones", header(0xFF, 0xFF, 0xFF, 0xFF), nil},
		{"mismatch", header(0, 0, 0, 5), amf.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode(tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if err == nil && env.Headers[0].Value != (amf.Null{}) {
				t.Errorf("header value: got %#v", env.Headers[0].Value)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	if _, err := Decode([]byte{0, 2, 0, 0, 0, 0}); !errors.Is(err, amf.ErrUnsupportedType) {
		t.Errorf("unknown version: got %v", err)
	}
	if _, err := Encode(NewEnvelope(2)); !errors.Is(err, amf.ErrUnsupportedType) {
		t.Errorf("encode unknown version: got %v", err)
	}
	if _, err := Decode([]byte{0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, amf.ErrMalformed) {
		t.Errorf("trailing byte: got %v", err)
	}
	if _, err := Decode(nil); !errors.Is(err, amf.ErrUnexpectedEOF) {
		t.Errorf("empty: got %v", err)
	}

	var buf bytes.Buffer
	bad := NewEnvelope(Version0).
		AddBody("ok", "/1", amf.String("fine")).
		AddBody("bad", "/2", amf.NewObject("", prop("", amf.Null{})))
	if err := NewEncoder(&buf).Encode(bad); !errors.Is(err, amf.ErrMalformed) {
		t.Errorf("empty key: got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes on error", buf.Len())
	}
}

func TestTruncation(t *testing.T) {
	for _, version := range []Version{Version0, Version3} {
		data, err := Encode(scenarioEnvelope(version))
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < len(data); i++ {
			if _, err := Decode(data[:i]); !errors.Is(err, amf.ErrUnexpectedEOF) {
				t.Fatalf("%s prefix %d: got %v", version, i, err)
			}
		}
	}
}

func TestStreaming(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	envs := []*Envelope{scenarioEnvelope(Version0), scenarioEnvelope(Version3)}
	for _, env := range envs {
		if err := enc.Encode(env); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(iotest.OneByteReader(&buf))
	for i, want := range envs {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("envelope %d: %v", i, err)
		}
		if !want.Equal(got) {
			t.Errorf("envelope %d mismatch", i)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("after last envelope: got %v, want io.EOF", err)
	}
}

func TestWithLogger(t *testing.T) {
	var out bytes.Buffer
	logger := log.New(&out, "", 0)
	data, err := Encode(scenarioEnvelope(Version0), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data, WithLogger(logger)); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"encoded AMF0 envelope, 3 headers, 2 bodies", "decoded AMF0 envelope"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("log %q does not contain %q", out.String(), want)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := amf.NewClassRegistry().MustRegister(&amf.Traits{
		ClassName: "com.example.Row",
		Members:   []string{"id", "name"},
	})
	row := amf.NewObject("com.example.Row", prop("id", amf.Integer(1)), prop("name", amf.String("x")))
	env := NewEnvelope(Version3).AddBody("/1/onResult", "null", row)

	data, err := Encode(env, WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data, WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	if tr := got.Bodies[0].Value.(*amf.Object).Traits; tr == nil || tr.ClassName != "com.example.Row" {
		t.Errorf("traits: got %+v", tr)
	}

	if _, err := Decode(data, WithRegistry(amf.NewClassRegistry())); !errors.Is(err, amf.ErrUnknownClass) {
		t.Errorf("unregistered: got %v", err)
	}
}
