package model

import (
	"encoding/json"
	"fmt"
)

// RemoteConfigs is the declarative settings document keyed by remote name
type RemoteConfigs map[string]RemoteConfig

// RemoteConfig holds the per-remote operation blocks and shared options
type RemoteConfig struct {
	Copy    *OperationConfig       `json:"copyConfig,omitempty"`
	Sync    *OperationConfig       `json:"syncConfig,omitempty"`
	Move    *OperationConfig       `json:"moveConfig,omitempty"`
	Bisync  *OperationConfig       `json:"bisyncConfig,omitempty"`
	Filter  map[string]interface{} `json:"filterConfig,omitempty"`
	Backend map[string]interface{} `json:"backendConfig,omitempty"`
}

// Operation returns the block configured for taskType, nil when absent
func (r RemoteConfig) Operation(taskType TaskType) *OperationConfig {
	switch taskType {
	case TaskTypeCopy:
		return r.Copy
	case TaskTypeSync:
		return r.Sync
	case TaskTypeMove:
		return r.Move
	case TaskTypeBisync:
		return r.Bisync
	}
	return nil
}

// OperationConfig is one copy/sync/move/bisync block. Fields beyond the
// common ones are kept in Extra so operation specific flags survive decoding.
type OperationConfig struct {
	CronEnabled    bool                   `json:"cronEnabled"`
	CronExpression string                 `json:"cronExpression"`
	Source         string                 `json:"source"`
	Dest           string                 `json:"dest"`
	Options        map[string]interface{} `json:"options,omitempty"`
	Extra          map[string]interface{} `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra
func (o *OperationConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode operation config: %w", err)
	}

	*o = OperationConfig{Extra: make(map[string]interface{})}
	for key, value := range raw {
		switch key {
		case "cronEnabled":
			o.CronEnabled, _ = value.(bool)
		case "cronExpression":
			o.CronExpression, _ = value.(string)
		case "source":
			o.Source, _ = value.(string)
		case "dest":
			o.Dest, _ = value.(string)
		case "options":
			o.Options, _ = value.(map[string]interface{})
		default:
			o.Extra[key] = value
		}
	}
	return nil
}

// MarshalJSON flattens Extra back next to the known fields
func (o OperationConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(o.Extra)+5)
	for k, v := range o.Extra {
		out[k] = v
	}
	out["cronEnabled"] = o.CronEnabled
	out["cronExpression"] = o.CronExpression
	out["source"] = o.Source
	out["dest"] = o.Dest
	if o.Options != nil {
		out["options"] = o.Options
	}
	return json.Marshal(out)
}

// ParseRemoteConfigs decodes a settings document
func ParseRemoteConfigs(data []byte) (RemoteConfigs, error) {
	var configs RemoteConfigs
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("failed to parse remote configs: %w", err)
	}
	if configs == nil {
		configs = RemoteConfigs{}
	}
	return configs, nil
}
