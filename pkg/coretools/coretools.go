// Package coretools registers the built-in language-model-backed tools.
package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/contextbuilder"
	"github.com/harun/tata/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

// InstructionSource supplies the system instruction of a built-in tool.
type InstructionSource interface {
	ToolInstruction(tool string) string
}

// Options configures core tool registration.
type Options struct {
	Model        agent.LanguageModel
	Instructions InstructionSource
	// Policy filters registration; nil registers every tool.
	Policy *toolexecutor.ToolPolicy
}

var taskParam = toolexecutor.ToolParameter{
	Name:        contextbuilder.ParamTaskDescription,
	Type:        "string",
	Description: "要完成的具体任务描述",
	Required:    true,
}

type builtin struct {
	name        string
	description string
	extra       []toolexecutor.ToolParameter
}

func optional(name, typ, desc string) toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: name, Type: typ, Description: desc}
}

var builtins = []builtin{
	{name: "llm_general", description: "通用语言模型助手，处理问答、改写、总结等一般任务"},
	{name: "knowledge_analyzer", description: "对问题进行结构化的知识分析，给出要点和结论"},
	{name: "llm_thinking", description: "深度思考，逐步推理复杂问题后给出结论"},
	{name: "travel_info_extractor", description: "从对话中提取出发地、目的地、日期、人数、预算等旅行信息"},
	{
		name:        "travel_planner",
		description: "制定完整旅游行程并计算预算",
		extra: []toolexecutor.ToolParameter{
			optional("origin", "string", "出发城市"),
			optional("destination", "string", "目的地城市"),
		},
	},
	{
		name:        "itinerary_planner",
		description: "输出逐日详细行程，包含交通、景点、餐饮、住宿与预算估算",
		extra: []toolexecutor.ToolParameter{
			optional("origin", "string", "出发城市"),
			optional("destination", "string", "目的地城市"),
		},
	},
	{
		name:        "accommodation_planner",
		description: "根据城市、预算、人数推荐住宿",
		extra:       []toolexecutor.ToolParameter{optional("city", "string", "入住城市")},
	},
	{
		name:        "attraction_planner",
		description: "根据城市和兴趣推荐景点及游览顺序",
		extra:       []toolexecutor.ToolParameter{optional("city", "string", "游览城市")},
	},
	{
		name:        "restaurant_planner",
		description: "根据城市、口味和预算安排一日三餐",
		extra:       []toolexecutor.ToolParameter{optional("city", "string", "用餐城市")},
	},
	{
		name:        "transportation_planner",
		description: "比较航班、自驾和出租车的耗时与费用并给出交通建议",
		extra: []toolexecutor.ToolParameter{
			optional("origin", "string", "出发城市"),
			optional("destination", "string", "目的地城市"),
		},
	},
	{
		name:        "story_brainstorm",
		description: "围绕主题给出多个故事构思，包含人物、冲突和情节走向",
		extra:       []toolexecutor.ToolParameter{optional("theme", "string", "故事主题")},
	},
}

// Names lists the built-in tools in registration order.
func Names() []string {
	names := make([]string, len(builtins))
	for i, b := range builtins {
		names[i] = b.name
	}
	return names
}

// RegisterCoreTools registers every built-in tool the policy allows and
// returns the registered names.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) ([]string, error) {
	if executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if opts.Model == nil {
		return nil, errors.New("language model is required")
	}

	var registered []string
	for _, b := range builtins {
		if !opts.Policy.IsToolAllowed(b.name) {
			log.Debug().Str("tool", b.name).Msg("Tool disabled by policy")
			continue
		}
		def := toolexecutor.ToolDefinition{
			Name:        b.name,
			DisplayName: toolexecutor.DisplayName(b.name),
			Description: b.description,
			Parameters:  append([]toolexecutor.ToolParameter{taskParam}, b.extra...),
			LLMBacked:   true,
			Handler:     handler(b.name, opts),
		}
		if err := executor.RegisterTool(def); err != nil {
			return registered, fmt.Errorf("failed to register tool %s: %w", b.name, err)
		}
		registered = append(registered, b.name)
	}

	log.Info().Strs("tools", registered).Msg("Core tools registered")
	return registered, nil
}

func handler(name string, opts Options) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (string, error) {
		instruction := ""
		if opts.Instructions != nil {
			instruction = opts.Instructions.ToolInstruction(name)
		}

		messages := make([]agent.Message, 0, 2)
		if instruction != "" {
			messages = append(messages, agent.SystemMessage(instruction))
		}
		messages = append(messages, agent.UserMessage(renderRequest(params)))

		reply, err := opts.Model.Invoke(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		return strings.TrimSpace(reply), nil
	}
}

// skipped keys are already folded into the enriched task description.
var skipped = map[string]bool{
	contextbuilder.ParamTaskDescription:         true,
	contextbuilder.ParamOriginalTaskDescription: true,
	contextbuilder.ParamChatHistory:             true,
	contextbuilder.ParamToolExecutionHistory:    true,
}

// renderRequest lays out the task followed by any remaining parameters as
// the user message of a tool call.
func renderRequest(params map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(stringValue(params[contextbuilder.ParamTaskDescription]))

	keys := make([]string, 0, len(params))
	for k := range params {
		if !skipped[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\n\n## 参数\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, stringValue(params[k]))
		}
	}
	return strings.TrimSpace(b.String())
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64, int, int64, bool:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
