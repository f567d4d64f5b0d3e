// Package state persists the deployment state: which detection bytes were
// last successfully sent to which service. Two backends exist, a local JSON
// file guarded by an advisory OS lock and a remote HTTP store speaking the
// Terraform-compatible wire protocol, so existing VCS state backends work
// without new server code.
package state

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// documentVersion is the state schema version embedded in the document.
const documentVersion = 4

// resource encodes one (service, detection) deployment. Unknown fields are
// kept in extra so a load/save cycle preserves them.
type resource struct {
	Module    string     `json:"module"`
	Name      string     `json:"name"`
	Instances []instance `json:"instances"`

	extra map[string]json.RawMessage
}

type instance struct {
	Attributes attributes `json:"attributes"`

	extra map[string]json.RawMessage
}

// attributes carries the deployed artifact. Detections are opaque byte blobs
// with no UTF-8 guarantee, so the payload crosses JSON base64-encoded, like
// the plugin ABI envelopes; a bare string cast would mangle non-UTF-8 bytes.
type attributes struct {
	Payload string `json:"payload"`
}

func (r *resource) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["module"]; ok {
		if err := json.Unmarshal(raw, &r.Module); err != nil {
			return err
		}
	}
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &r.Name); err != nil {
			return err
		}
	}
	if raw, ok := fields["instances"]; ok {
		if err := json.Unmarshal(raw, &r.Instances); err != nil {
			return err
		}
	}
	delete(fields, "module")
	delete(fields, "name")
	delete(fields, "instances")
	if len(fields) > 0 {
		r.extra = fields
	}
	return nil
}

func (r resource) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.extra)+3)
	for k, v := range r.extra {
		fields[k] = v
	}
	var err error
	if fields["module"], err = json.Marshal(r.Module); err != nil {
		return nil, err
	}
	if fields["name"], err = json.Marshal(r.Name); err != nil {
		return nil, err
	}
	if fields["instances"], err = json.Marshal(r.Instances); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (i *instance) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["attributes"]; ok {
		if err := json.Unmarshal(raw, &i.Attributes); err != nil {
			return err
		}
	}
	delete(fields, "attributes")
	if len(fields) > 0 {
		i.extra = fields
	}
	return nil
}

func (i instance) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(i.extra)+1)
	for k, v := range i.extra {
		fields[k] = v
	}
	var err error
	if fields["attributes"], err = json.Marshal(i.Attributes); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// Encode serializes a state document to its canonical JSON form: sorted
// object keys, resources ordered by (service, detection). Unknown top-level
// fields carried in doc.Raw survive the round-trip.
func Encode(doc *engine.StateDoc) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(doc.Raw)+5)
	for k, v := range doc.Raw {
		fields[k] = v
	}

	var err error
	if fields["version"], err = json.Marshal(documentVersion); err != nil {
		return nil, err
	}
	if fields["serial"], err = json.Marshal(doc.Serial); err != nil {
		return nil, err
	}
	if fields["lineage"], err = json.Marshal(doc.Lineage); err != nil {
		return nil, err
	}
	if _, ok := fields["outputs"]; !ok {
		fields["outputs"] = json.RawMessage("{}")
	}

	services := make([]string, 0, len(doc.Artifacts))
	for svc := range doc.Artifacts {
		services = append(services, svc)
	}
	sort.Strings(services)

	resources := make([]resource, 0)
	for _, svc := range services {
		names := make([]string, 0, len(doc.Artifacts[svc]))
		for name := range doc.Artifacts[svc] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			payload := base64.StdEncoding.EncodeToString(doc.Artifacts[svc][name])
			resources = append(resources, resource{
				Module: svc,
				Name:   name,
				Instances: []instance{
					{Attributes: attributes{Payload: payload}},
				},
			})
		}
	}
	if fields["resources"], err = json.Marshal(resources); err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}

// Decode parses a state document.
func Decode(data []byte) (*engine.StateDoc, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid state document: %w", err)
	}

	doc := engine.NewStateDoc()

	if raw, ok := fields["version"]; ok {
		var version int
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, fmt.Errorf("invalid state version: %w", err)
		}
		if version != documentVersion {
			return nil, fmt.Errorf("unsupported state version %d", version)
		}
	}
	if raw, ok := fields["serial"]; ok {
		if err := json.Unmarshal(raw, &doc.Serial); err != nil {
			return nil, fmt.Errorf("invalid state serial: %w", err)
		}
	}
	if raw, ok := fields["lineage"]; ok {
		if err := json.Unmarshal(raw, &doc.Lineage); err != nil {
			return nil, fmt.Errorf("invalid state lineage: %w", err)
		}
	}
	if raw, ok := fields["resources"]; ok {
		var resources []resource
		if err := json.Unmarshal(raw, &resources); err != nil {
			return nil, fmt.Errorf("invalid state resources: %w", err)
		}
		for _, res := range resources {
			if len(res.Instances) == 0 {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(res.Instances[0].Attributes.Payload)
			if err != nil {
				return nil, fmt.Errorf("invalid payload for %s/%s: %w", res.Module, res.Name, err)
			}
			doc.SetArtifact(res.Module, res.Name, payload)
		}
	}

	delete(fields, "version")
	delete(fields, "serial")
	delete(fields, "lineage")
	delete(fields, "resources")
	if len(fields) > 0 {
		doc.Raw = fields
	}
	return doc, nil
}
