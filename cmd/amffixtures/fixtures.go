package main

import (
	"fmt"
	"log"

	"github.com/DMA-Software/dma-goamf/internal/protocol"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/amfx"
	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

// fixture builds one envelope per AMF version.
type fixture struct {
	name  string
	build func(version remoting.Version) (*remoting.Envelope, error)
}

// fileName returns the file a fixture is written to, e.g. packet_amf3.bin.
func (f fixture) fileName(version remoting.Version) string {
	return fmt.Sprintf("%s_amf%d.bin", f.name, version)
}

// xmlFileName returns the file the AMFX rendering is written to.
func (f fixture) xmlFileName() string {
	return f.name + "_amfx.xml"
}

func fixtures(config *Config, reg amf.Registry) []fixture {
	return []fixture{
		{name: "packet", build: packetEnvelope},
		{name: "recordset", build: func(version remoting.Version) (*remoting.Envelope, error) {
			return recordsetEnvelope(version, config.RecordsetClass, reg)
		}},
	}
}

// packetEnvelope carries three headers, the last one mustUnderstand, and two
// bodies covering the scalar types.
func packetEnvelope(version remoting.Version) (*remoting.Envelope, error) {
	msg1 := amf.NewObject("",
		amf.Property{Key: "integer", Value: amf.Integer(42)},
		amf.Property{Key: "dbl", Value: amf.Number(90.01)},
		amf.Property{Key: "tru", Value: amf.Boolean(true)},
		amf.Property{Key: "fls", Value: amf.Boolean(false)},
		amf.Property{Key: "str", Value: amf.String("sencha")},
		amf.Property{Key: "none", Value: amf.Null{}},
		amf.Property{Key: "undef", Value: amf.Undefined{}},
		amf.Property{Key: "strictArray", Value: amf.NewArray(amf.Integer(1), amf.Integer(2), amf.Integer(3))},
	)
	msg2 := amf.NewObject("", amf.Property{Key: "text", Value: amf.String("hello")})

	return remoting.NewEnvelope(version).
		AddHeader("a", false, amf.String("b")).
		AddHeader("c", false, amf.String("d")).
		AddHeader("e", true, amf.String("f")).
		AddBody("msg1", "/1", msg1).
		AddBody("msg2", "/2", msg2), nil
}

// recordsetEnvelope answers transaction 1 with three {id, name} rows. Rows
// are typed when className is set.
func recordsetEnvelope(version remoting.Version, className string, reg amf.Registry) (*remoting.Envelope, error) {
	traits, err := amf.ResolveClass(reg, className)
	if err != nil {
		return nil, err
	}

	rows := make([]amf.Value, 0, 3)
	for i, name := range []string{"alpha", "beta", "gamma"} {
		rows = append(rows, recordsetRow(traits, amf.Integer(i+1), amf.String(name)))
	}

	b := protocol.NewMessageBuilder()
	return b.BuildEnvelope(version, b.BuildResult("1", amf.NewArray(rows...))), nil
}

func recordsetRow(traits *amf.Traits, id, name amf.Value) *amf.Object {
	fields := []amf.Property{{Key: "id", Value: id}, {Key: "name", Value: name}}
	if traits == nil {
		return amf.NewObject("", fields...)
	}

	row := &amf.Object{ClassName: traits.ClassName, Traits: traits}
	used := make(map[string]bool, len(fields))
	for _, member := range traits.Members {
		var v amf.Value = amf.Null{}
		for _, f := range fields {
			if f.Key == member {
				v = f.Value
				used[member] = true
			}
		}
		row.Properties = append(row.Properties, amf.Property{Key: member, Value: v})
	}
	if traits.Dynamic {
		for _, f := range fields {
			if !used[f.Key] {
				row.Properties = append(row.Properties, f)
			}
		}
	}
	return row
}

// generate encodes every fixture for every configured version and checks
// that each one decodes back to the envelope it was built from. AMF3
// fixtures are also rendered as AMFX.
func generate(config *Config, opts ...remoting.Option) (map[string][]byte, error) {
	reg, err := config.Registry()
	if err != nil {
		return nil, err
	}
	opts = append([]remoting.Option{remoting.WithRegistry(reg)}, opts...)
	xmlOpts := []amfx.Option{amfx.WithRegistry(reg)}
	if config.Verbose {
		xmlOpts = append(xmlOpts, amfx.WithLogger(log.Default()))
	}

	out := make(map[string][]byte)
	for _, f := range fixtures(config, reg) {
		for _, v := range config.Versions {
			version := remoting.Version(v)
			env, err := f.build(version)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s: %w", f.fileName(version), err)
			}
			data, err := remoting.Encode(env, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", f.fileName(version), err)
			}
			decoded, err := remoting.Decode(data, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", f.fileName(version), err)
			}
			if !env.Equal(decoded) {
				return nil, fmt.Errorf("%s does not round trip: %w", f.fileName(version), amf.ErrMalformed)
			}
			out[f.fileName(version)] = data

			if version != remoting.Version3 {
				continue
			}
			doc, err := amfx.Encode(env, xmlOpts...)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", f.xmlFileName(), err)
			}
			decoded, err = amfx.Decode(doc, xmlOpts...)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", f.xmlFileName(), err)
			}
			if !env.Equal(decoded) {
				return nil, fmt.Errorf("%s does not round trip: %w", f.xmlFileName(), amf.ErrMalformed)
			}
			out[f.xmlFileName()] = doc
		}
	}
	return out, nil
}
