package cel

import (
	"net/netip"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// NewConditionEnvironment creates the CEL environment for rule conditions.
// Only check context fields are visible:
//   - subject_id, subject_type, tool_name, tool_params, session_id, agent_id,
//     ip_address, metadata, request_time
//   - functions: glob, ip_in_cidr, param, param_contains
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("subject_id", cel.StringType),
		cel.Variable("subject_type", cel.StringType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("tool_params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request_time", cel.TimestampType),

		// glob: tool-pattern matching with the same semantics as rule patterns.
		// Usage: glob("fs.*", tool_name)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					n, _ := name.Value().(string)
					return types.Bool(policy.MatchPattern(p, n))
				}),
			),
		),

		// ip_in_cidr: ip_in_cidr(ip_address, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ipStr, _ := ipVal.Value().(string)
					cidrStr, _ := cidrVal.Value().(string)
					addr, err := netip.ParseAddr(ipStr)
					if err != nil {
						return types.Bool(false)
					}
					prefix, err := netip.ParsePrefix(cidrStr)
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(prefix.Contains(addr.Unmap()))
				}),
			),
		),

		// param: null-safe lookup of a tool parameter.
		// Usage: param(tool_params, "amount") < 100
		cel.Function("param",
			cel.Overload("param_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key, _ := keyVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// param_contains: any string parameter contains the substring.
		// Usage: param_contains(tool_params, "DROP TABLE")
		cel.Function("param_contains",
			cel.Overload("param_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr, _ := substrVal.Value().(string)
					goMap, ok := mapVal.Value().(map[string]any)
					if !ok {
						return types.Bool(false)
					}
					for _, v := range goMap {
						if s, ok := v.(string); ok && strings.Contains(s, substr) {
							return types.Bool(true)
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// BuildActivation maps a check context onto the environment's variables.
// Maps are never nil.
func BuildActivation(cc policy.CheckContext) map[string]any {
	params := cc.ToolParams
	if params == nil {
		params = map[string]any{}
	}
	metadata := cc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"subject_id":   cc.Subject.ID,
		"subject_type": string(cc.Subject.Type),
		"tool_name":    cc.ToolName,
		"tool_params":  params,
		"session_id":   cc.SessionID,
		"agent_id":     cc.AgentID,
		"ip_address":   cc.IPAddress,
		"metadata":     metadata,
		"request_time": cc.Timestamp,
	}
}
