package api

import (
	"encoding/json"
	"net/netip"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

// maxGatewayConfigBytes caps the opaque per-service payload stored in the
// database and shipped inside vaults.
const maxGatewayConfigBytes = 16 * 1024

const gatewayConfigSchemaURL = "https://suiftly.co/schemas/gateway-config.schema.json"

// gatewayConfigSchema validates the fields the control plane owns. Unknown
// properties are preserved verbatim for the gateway; the control plane does
// not parse what it does not own.
const gatewayConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "ipAllowlist": {
      "type": "array",
      "items": {"type": "string", "minLength": 1, "maxLength": 64},
      "maxItems": 128
    },
    "refererAllowlist": {
      "type": "array",
      "items": {"type": "string", "minLength": 1, "maxLength": 256},
      "maxItems": 128
    }
  },
  "additionalProperties": true
}`

var compiledGatewayConfigSchema = mustCompileGatewayConfigSchema()

func mustCompileGatewayConfigSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(gatewayConfigSchemaURL, strings.NewReader(gatewayConfigSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(gatewayConfigSchemaURL)
}

// ValidateGatewayConfig checks a gateway-config payload: well-formed JSON
// object, schema conformance, and every ipAllowlist entry a valid address
// or CIDR prefix. Empty input is allowed and clears the stored config.
func ValidateGatewayConfig(config []byte) error {
	if len(config) == 0 {
		return nil
	}
	if len(config) > maxGatewayConfigBytes {
		return fault.New(fault.KindInput, "api: gateway config exceeds %d bytes", maxGatewayConfigBytes)
	}

	var decoded any
	if err := json.Unmarshal(config, &decoded); err != nil {
		return fault.Wrap(fault.KindInput, err, "api: gateway config is not valid JSON")
	}
	if err := compiledGatewayConfigSchema.Validate(decoded); err != nil {
		return fault.Wrap(fault.KindInput, err, "api: gateway config rejected by schema")
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return fault.New(fault.KindInput, "api: gateway config must be a JSON object")
	}
	entries, ok := obj["ipAllowlist"].([]any)
	if !ok {
		return nil
	}
	for _, e := range entries {
		s, _ := e.(string)
		if !validAllowlistEntry(s) {
			return fault.New(fault.KindInput, "api: invalid ipAllowlist entry %q", s)
		}
	}
	return nil
}

// validAllowlistEntry accepts a bare address ("203.0.113.7", "2001:db8::1")
// or a CIDR prefix ("10.0.0.0/8").
func validAllowlistEntry(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
