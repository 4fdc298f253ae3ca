package amfx

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/DMA-Software/dma-goamf/internal/amf3"
	"github.com/DMA-Software/dma-goamf/internal/protocol"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

func prop(key string, v amf.Value) amf.Property {
	return amf.Property{Key: key, Value: v}
}

const xmlText = `<root><parent><child id="c1">foo</child><child id="c2"><bar/></child></parent></root>`

func TestValueVectors(t *testing.T) {
	assoc := &amf.AssociativeArray{Dense: []amf.Value{amf.String("a")}}
	assoc.Set("b", amf.Integer(1))

	tests := []struct {
		name  string
		value amf.Value
		want  string
	}{
		{"null", amf.Null{}, "<null />"},
		{"undefined", amf.Undefined{}, "<undefined />"},
		{"false", amf.Boolean(false), "<false />"},
		{"true", amf.Boolean(true), "<true />"},
		{"zero", amf.Integer(0), "<int>0</int>"},
		{"largest int", amf.Integer(536870911), "<int>536870911</int>"},
		{"smallest int", amf.Integer(-268435455), "<int>-268435455</int>"},
		{"int below range", amf.Integer(-268435456), "<double>-268435456</double>"},
		{"int above range", amf.Integer(536870912), "<double>536870912</double>"},
		{"double", amf.Number(10.333), "<double>10.333</double>"},
		{"integral double", amf.Number(42), "<double>42</double>"},
		{"max double", amf.Number(math.MaxFloat64), "<double>1.7976931348623157e+308</double>"},
		{"min negative double", amf.Number(-math.MaxFloat64), "<double>-1.7976931348623157e+308</double>"},
		{"smallest double", amf.Number(5e-324), "<double>5e-324</double>"},
		{"smallest negative double", amf.Number(-5e-324), "<double>-5e-324</double>"},
		{"subnormal", amf.Number(2.2250738585072014e-308), "<double>2.2250738585072014e-308</double>"},
		{"small fraction", amf.Number(0.000001), "<double>0.000001</double>"},
		{"small exponent", amf.Number(1e-7), "<double>1e-7</double>"},
		{"large exponent", amf.Number(1e21), "<double>1e+21</double>"},
		{"nan", amf.Number(math.NaN()), "<double>NaN</double>"},
		{"infinity", amf.Number(math.Inf(1)), "<double>Infinity</double>"},
		{"negative infinity", amf.Number(math.Inf(-1)), "<double>-Infinity</double>"},
		{"empty string", amf.String(""), "<string />"},
		{"danish", amf.String("Quizdeltagerne spiste jordbær med fløde, mens cirkusklovnen Wolther spillede på xylofon"),
			"<string>Quizdeltagerne spiste jordbær med fløde, mens cirkusklovnen Wolther spillede på xylofon</string>"},
		{"hebrew", amf.String("דג סקרן שט בים מאוכזב ולפתע מצא לו חברה איך הקליטה"),
			"<string>דג סקרן שט בים מאוכזב ולפתע מצא לו חברה איך הקליטה</string>"},
		{"escaped string", amf.String("a<b & c"), "<string>a&lt;b &amp; c</string>"},
		{"xml", &amf.XMLDocument{Text: xmlText}, "<xml><![CDATA[" + xmlText + "]]></xml>"},
		{"xml with cdata end", &amf.XMLDocument{Text: "a]]>b"}, "<xml><![CDATA[a]]]]><![CDATA[>b]]></xml>"},
		{"date", &amf.Date{Milliseconds: 1343164970869}, "<date>1343164970869</date>"},
		{"date before epoch", &amf.Date{Milliseconds: -1812595029131}, "<date>-1812595029131</date>"},
		{"epoch", &amf.Date{}, "<date>0</date>"},
		{"empty array", &amf.Array{}, `<array length="0"></array>`},
		{"array", amf.NewArray(amf.String("a"), amf.String("b"), amf.String("c")),
			`<array length="3"><string>a</string><string>b</string><string>c</string></array>`},
		{"ecma array", assoc, `<array length="1" ecma="true"><string>a</string><item name="b"><int>1</int></item></array>`},
		{"empty object", amf.NewObject(""), "<object><traits /></object>"},
		{"object", amf.NewObject("", prop("1", amf.Integer(1)), prop("str", amf.String("string"))),
			`<object><traits><string>1</string><string>str</string></traits><int>1</int><string>string</string></object>`},
		{"typed object", amf.NewObject("com.example.Row", prop("id", amf.Integer(7))),
			`<object type="com.example.Row"><traits><string>id</string></traits><int>7</int></object>`},
		{"bytearray", &amf.ByteArray{Bytes: []byte{0, 1, 2, 3, 0xFF}}, "<bytearray>00010203FF</bytearray>"},
		{"empty bytearray", &amf.ByteArray{}, "<bytearray />"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal: got %s, want %s", got, tt.want)
			}
			back, err := Unmarshal([]byte(tt.want))
			if err != nil {
				t.Fatal(err)
			}
			if !amf.Equal(back, tt.value) {
				t.Errorf("Unmarshal: got %#v, want %#v", back, tt.value)
			}
		})
	}
}

func TestDecodeLenientForms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want amf.Value
	}{
		{"uppercase exponent", "<double>1.354577842341E12</double>", amf.Number(1354577842341)},
		{"padded int", "<int> 12 </int>", amf.Integer(12)},
		{"self closing null", "<null/>", amf.Null{}},
		{"lowercase hex", "<bytearray>00ff</bytearray>", &amf.ByteArray{Bytes: []byte{0, 0xFF}}},
		{"empty traits element", "<object><traits></traits></object>", amf.NewObject("")},
		{"prolog", `<?xml version="1.0"?>` + "\n<true />\n", amf.Boolean(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if !amf.Equal(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncodeTypedNil(t *testing.T) {
	tests := []struct {
		name  string
		value amf.Value
		want  string
	}{
		{"object", (*amf.Object)(nil), "<null />"},
		{"date", (*amf.Date)(nil), "<null />"},
		{"xml", (*amf.XML)(nil), "<null />"},
		{"nested", amf.NewArray((*amf.ByteArray)(nil)), `<array length="1"><null /></array>`},
	}
	for _, tt := range tests {
		got, err := Marshal(tt.value)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if string(got) != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

// The payload is an AMF3 array of three strings.
func TestByteArrayHoldsAMF3(t *testing.T) {
	v, err := Unmarshal([]byte("<bytearray>090701060361060362060363</bytearray>"))
	if err != nil {
		t.Fatal(err)
	}
	ba, ok := v.(*amf.ByteArray)
	if !ok {
		t.Fatalf("got %#v", v)
	}
	inner, err := amf3.Unmarshal(ba.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	want := amf.NewArray(amf.String("a"), amf.String("b"), amf.String("c"))
	if !amf.Equal(inner, want) {
		t.Errorf("got %#v", inner)
	}
}

func TestReferenceTables(t *testing.T) {
	in := `<array length="5">
		<string>a</string>
		<object>
			<traits>
				<string id="0" />
			</traits>
			<int>1</int>
		</object>
		<string id="0" />
		<ref id="1" />
		<object><traits id="0"/><int>2</int></object>
	</array>`

	v, err := Unmarshal([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := v.(*amf.Array)
	if !ok || len(arr.Elements) != 5 {
		t.Fatalf("got %#v", v)
	}
	obj := amf.NewObject("", prop("a", amf.Integer(1)))
	want := amf.NewArray(amf.String("a"), obj, amf.String("a"), obj, amf.NewObject("", prop("a", amf.Integer(2))))
	if !amf.Equal(arr, want) {
		t.Errorf("got %#v", arr)
	}
	if arr.Elements[1] != arr.Elements[3] {
		t.Error("ref did not resolve to the same object")
	}

	got, err := Marshal(arr)
	if err != nil {
		t.Fatal(err)
	}
	const compact = `<array length="5"><string>a</string><object><traits><string id="0" /></traits><int>1</int></object>` +
		`<string id="0" /><ref id="1" /><object><traits id="0" /><int>2</int></object></array>`
	if string(got) != compact {
		t.Errorf("Marshal: got %s", got)
	}
}

func TestEmptyStringTakesSlot(t *testing.T) {
	v := amf.NewArray(amf.String(""), amf.String("x"), amf.String("x"))
	got, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	const want = `<array length="3"><string /><string>x</string><string id="1" /></array>`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
	back, err := Unmarshal(got)
	if err != nil {
		t.Fatal(err)
	}
	if !amf.Equal(back, v) {
		t.Errorf("round trip: got %#v", back)
	}
}

func TestEncodeRemotingMessage(t *testing.T) {
	msg := amf.NewObject("flex.messaging.messages.RemotingMessage",
		prop("body", amf.Integer(1)),
		prop("clientId", amf.String("2")),
		prop("destination", amf.String("3")),
		prop("headers", amf.NewObject("", prop("header", amf.String("value")))),
		prop("messageId", amf.String("id")),
		prop("operation", amf.String("method")),
		prop("source", amf.String("")),
		prop("timestamp", amf.Integer(0)),
		prop("timeToLive", amf.Integer(0)),
	)
	env := remoting.NewEnvelope(remoting.Version3).AddBody("", "", msg)

	got, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	const want = `<amfx ver="3" xmlns="http://www.macromedia.com/2005/amfx"><body>` +
		`<object type="flex.messaging.messages.RemotingMessage"><traits><string>body</string><string>clientId</string>` +
		`<string>destination</string><string>headers</string><string>messageId</string><string>operation</string>` +
		`<string>source</string><string>timestamp</string><string>timeToLive</string></traits><int>1</int>` +
		`<string>2</string><string>3</string><object><traits><string>header</string></traits><string>value</string></object>` +
		`<string>id</string><string>method</string><string /><int>0</int><int>0</int></object></body></amfx>`
	if string(got) != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestDecodeAcknowledgeMessage(t *testing.T) {
	const in = `<amfx ver="3"><body targetURI="/onResult" responseURI="">` +
		`<object type="flex.messaging.messages.AcknowledgeMessage"><traits><string>timestamp</string><string>headers</string>` +
		`<string>body</string><string>correlationId</string><string>messageId</string><string>timeToLive</string>` +
		`<string>clientId</string><string>destination</string></traits><double>1.354577842341E12</double>` +
		`<object><traits/></object><int>12345</int><string>00000002-C28A-C38A-984B-6321901916D7</string>` +
		`<string>FD04F220-6409-515E-8D77-F198A071B85E</string><double>0.0</double>` +
		`<string>274FBBCE-2179-FC6D-393A-62A933E67F8B</string><null/></object></body></amfx>`

	env, err := Decode([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if env.Version != remoting.Version3 || len(env.Headers) != 0 || len(env.Bodies) != 1 {
		t.Fatalf("got %+v", env)
	}
	b := env.Bodies[0]
	if b.Target != "/onResult" || b.Response != "" {
		t.Errorf("target %q, response %q", b.Target, b.Response)
	}
	msg, ok := b.Value.(*amf.Object)
	if !ok || msg.Class() != "flex.messaging.messages.AcknowledgeMessage" {
		t.Fatalf("got %#v", b.Value)
	}
	checks := []struct {
		key  string
		want amf.Value
	}{
		{"headers", amf.NewObject("")},
		{"body", amf.Integer(12345)},
		{"correlationId", amf.String("00000002-C28A-C38A-984B-6321901916D7")},
		{"timestamp", amf.Number(1354577842341)},
		{"destination", amf.Null{}},
	}
	for _, c := range checks {
		if got, _ := msg.Get(c.key); !amf.Equal(got, c.want) {
			t.Errorf("%s: got %#v", c.key, got)
		}
	}
}

func scenarioEnvelope() *remoting.Envelope {
	shared := amf.NewObject("com.example.Point", prop("x", amf.Integer(1)), prop("y", amf.Number(2.5)))
	assoc := &amf.AssociativeArray{}
	assoc.Set("k", amf.String("shared"))
	return remoting.NewEnvelope(remoting.Version3).
		AddHeader("Credentials", true, amf.NewObject("", prop("userid", amf.String("u")), prop("password", amf.String("p")))).
		AddBody("/1/onResult", "null", amf.NewArray(
			amf.String("shared"),
			shared,
			shared,
			amf.NewObject("com.example.Point", prop("x", amf.Integer(3)), prop("y", amf.Number(-1))),
			amf.String("shared"),
			&amf.Date{Milliseconds: 1343164970869},
			&amf.ByteArray{Bytes: []byte{1, 2, 3}},
			assoc,
			amf.Undefined{},
		)).
		AddBody("/2/onStatus", "", amf.String("shared"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := scenarioEnvelope()
	data, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	doc := string(data)
	for _, want := range []string{
		`<header name="Credentials" mustUnderstand="true">`,
		`<body targetURI="/1/onResult" responseURI="null">`,
		`<body targetURI="/2/onStatus">`,
		`<ref id="1" />`,
		`<traits id="0" />`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document does not contain %s", want)
		}
	}
	// Every body starts with fresh tables.
	if n := strings.Count(doc, "<string>shared</string>"); n != 2 {
		t.Errorf("inline shared strings: got %d, want 2", n)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !env.Equal(got) {
		t.Errorf("round trip mismatch:\n%s", doc)
	}
	elems := got.Bodies[0].Value.(*amf.Array).Elements
	if elems[1] != elems[2] {
		t.Error("shared object decoded twice")
	}
}

func TestEncodeEnvelopeErrors(t *testing.T) {
	if _, err := Encode(nil); !errors.Is(err, amf.ErrMalformed) {
		t.Errorf("nil envelope: got %v", err)
	}
	env := remoting.NewEnvelope(remoting.Version0).AddBody("/1", "", amf.Null{})
	if _, err := Encode(env); !errors.Is(err, amf.ErrUnsupportedType) {
		t.Errorf("AMF0 envelope: got %v", err)
	}
	sealed := amf.NewClassRegistry().MustRegister(&amf.Traits{ClassName: "com.example.Row", Members: []string{"id"}})
	row := amf.NewObject("com.example.Row", prop("id", amf.Integer(1)), prop("extra", amf.Null{}))
	env = remoting.NewEnvelope(remoting.Version3).AddBody("/1", "", row)
	if _, err := Encode(env, WithRegistry(sealed)); !errors.Is(err, amf.ErrMalformed) {
		t.Errorf("sealed violation: got %v", err)
	}
	if _, err := Marshal(amf.NewObject("app.Blob")); err != nil {
		t.Errorf("unregistered without registry: %v", err)
	}
	if _, err := Marshal(amf.NewObject("app.Blob"), WithRegistry(sealed)); !errors.Is(err, amf.ErrUnknownClass) {
		t.Errorf("unregistered: got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := amf.NewClassRegistry().MustRegister(&amf.Traits{
		ClassName: "com.example.Row",
		Members:   []string{"id", "name"},
	})
	row := amf.NewObject("com.example.Row", prop("id", amf.Integer(1)), prop("name", amf.String("x")))
	env := remoting.NewEnvelope(remoting.Version3).AddBody("/1/onResult", "null", row)

	data, err := Encode(env, WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data, WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	registered, _ := reg.LookupTraits("com.example.Row")
	if tr := got.Bodies[0].Value.(*amf.Object).Traits; tr != registered {
		t.Errorf("traits: got %+v", tr)
	}

	tests := []struct {
		name   string
		traits *amf.Traits
		want   error
	}{
		{"fewer members", &amf.Traits{ClassName: "com.example.Row", Members: []string{"id"}}, amf.ErrMalformed},
		{"other order", &amf.Traits{ClassName: "com.example.Row", Members: []string{"name", "id"}}, amf.ErrMalformed},
		{"more members", &amf.Traits{ClassName: "com.example.Row", Members: []string{"id", "name", "age"}}, amf.ErrMalformed},
		{"dynamic", &amf.Traits{ClassName: "com.example.Row", Members: []string{"id"}, Dynamic: true}, nil},
	}
	for _, tt := range tests {
		other := amf.NewClassRegistry().MustRegister(tt.traits)
		_, err := Decode(data, WithRegistry(other))
		if tt.want == nil && err != nil || tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}

	if _, err := Decode(data, WithRegistry(amf.NewClassRegistry())); !errors.Is(err, amf.ErrUnknownClass) {
		t.Errorf("unregistered: got %v", err)
	}
}

func TestExternalizable(t *testing.T) {
	coll := &amf.Object{
		ClassName: "flex.messaging.io.ArrayCollection",
		External:  amf.NewArray(amf.String("p"), amf.String("q")),
	}
	reg := protocol.DefaultRegistry()

	got, err := Marshal(coll, WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	const want = `<object type="flex.messaging.io.ArrayCollection"><traits externalizable="true" />` +
		`<bytearray>090501060370060371</bytearray></object>`
	if string(got) != want {
		t.Errorf("Marshal: got %s", got)
	}

	back, err := Unmarshal(got, WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := back.(*amf.Object)
	if !ok || !amf.Equal(obj, coll) {
		t.Fatalf("Unmarshal: got %#v", back)
	}
	if obj.Traits == nil || !obj.Traits.Externalizable {
		t.Errorf("traits: got %+v", obj.Traits)
	}

	// Without a registry the payload still decodes.
	if back, err := Unmarshal(got); err != nil || !amf.Equal(back, coll) {
		t.Errorf("no registry: got %#v, %v", back, err)
	}

	sealed := amf.NewClassRegistry().MustRegister(&amf.Traits{
		ClassName: "flex.messaging.io.ArrayCollection",
		Members:   []string{"source"},
	})
	if _, err := Unmarshal(got, WithRegistry(sealed)); !errors.Is(err, amf.ErrMalformed) {
		t.Errorf("sealed registration: got %v", err)
	}

	unknown := `<object type="app.Blob"><traits externalizable="true" /><bytearray>01</bytearray></object>`
	if _, err := Unmarshal([]byte(unknown)); !errors.Is(err, amf.ErrUnknownClass) {
		t.Errorf("unknown external class: got %v", err)
	}
	if _, err := Marshal(&amf.Object{ClassName: "app.Blob", External: amf.Null{}}); !errors.Is(err, amf.ErrUnknownClass) {
		t.Errorf("unknown external class encode: got %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"unknown element", "<foo />", amf.ErrUnsupportedType},
		{"dictionary", `<dictionary length="0"></dictionary>`, amf.ErrUnsupportedType},
		{"vector", `<vector type="int" length="0"></vector>`, amf.ErrUnsupportedType},
		{"bad int", "<int>x</int>", amf.ErrMalformed},
		{"int overflow", "<int>4294967296</int>", amf.ErrMalformed},
		{"bad double", "<double>one</double>", amf.ErrMalformed},
		{"bad hex", "<bytearray>0G</bytearray>", amf.ErrMalformed},
		{"child in null", "<null><true /></null>", amf.ErrMalformed},
		{"child in int", "<int><true /></int>", amf.ErrMalformed},
		{"missing length", "<array></array>", amf.ErrMalformed},
		{"short array", `<array length="2"><null /></array>`, amf.ErrMalformed},
		{"long array", `<array length="1"><null /><null /></array>`, amf.ErrMalformed},
		{"item without ecma", `<array length="0"><item name="a"><null /></item></array>`, amf.ErrMalformed},
		{"item without name", `<array length="0" ecma="true"><item><null /></item></array>`, amf.ErrMalformed},
		{"empty item", `<array length="0" ecma="true"><item name="a"></item></array>`, amf.ErrMalformed},
		{"object without traits", "<object><int>1</int></object>", amf.ErrMalformed},
		{"excess object values", "<object><traits><string>a</string></traits><int>1</int><int>2</int></object>", amf.ErrMalformed},
		{"missing object values", "<object><traits><string>a</string></traits></object>", amf.ErrMalformed},
		{"non string trait", "<object><traits><int>1</int></traits></object>", amf.ErrMalformed},
		{"bad ref", `<ref id="3" />`, amf.ErrMalformed},
		{"bad string ref", `<string id="0" />`, amf.ErrMalformed},
		{"bad traits ref", `<object><traits id="0" /></object>`, amf.ErrMalformed},
		{"negative ref", `<ref id="-1" />`, amf.ErrMalformed},
		{"external without payload", `<object type="flex.messaging.io.ArrayCollection"><traits externalizable="true" /></object>`, amf.ErrMalformed},
		{"mismatched tags", "<array length=\"1\"><null></array>", amf.ErrMalformed},
		{"text in array", `<array length="0">junk</array>`, amf.ErrMalformed},
		{"trailing element", "<null /><null />", amf.ErrMalformed},
		{"empty", "", amf.ErrUnexpectedEOF},
		{"unclosed", "<string>abc", amf.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.in)); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"wrong root", `<amf ver="3"></amf>`, amf.ErrMalformed},
		{"wrong version", `<amfx ver="2"></amfx>`, amf.ErrUnsupportedType},
		{"missing version", `<amfx></amfx>`, amf.ErrUnsupportedType},
		{"unknown child", `<amfx ver="3"><footer /></amfx>`, amf.ErrMalformed},
		{"empty body", `<amfx ver="3"><body></body></amfx>`, amf.ErrMalformed},
		{"two values", `<amfx ver="3"><body><null /><null /></body></amfx>`, amf.ErrMalformed},
		{"table across bodies", `<amfx ver="3"><body><string>a</string></body><body><string id="0" /></body></amfx>`, amf.ErrMalformed},
		{"trailing content", `<amfx ver="3"></amfx><amfx ver="3"></amfx>`, amf.ErrMalformed},
		{"text after root", `<amfx ver="3"></amfx>junk`, amf.ErrMalformed},
		{"truncated", `<amfx ver="3"><body>`, amf.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.in)); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	env, err := Decode([]byte(`<?xml version="1.0" encoding="utf-8"?>` + "\n" + `<amfx ver="3"></amfx>` + "\n"))
	if err != nil || len(env.Headers)+len(env.Bodies) != 0 {
		t.Errorf("empty envelope: got %+v, %v", env, err)
	}
}

func TestTruncation(t *testing.T) {
	data, err := Encode(scenarioEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(data); i++ {
		if _, err := Decode(data[:i]); !errors.Is(err, amf.ErrUnexpectedEOF) {
			t.Fatalf("prefix %d (%q): got %v", i, data[:i], err)
		}
	}
}

func TestStreaming(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	envs := []*remoting.Envelope{
		scenarioEnvelope(),
		remoting.NewEnvelope(remoting.Version3).AddBody("/3/onResult", "", amf.Integer(3)),
	}
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
	data, err := Encode(scenarioEnvelope(), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data, WithLogger(logger)); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"amfx: encoded envelope, 1 headers, 2 bodies", "amfx: decoded envelope, 1 headers, 2 bodies"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("log %q does not contain %q", out.String(), want)
		}
	}
}
