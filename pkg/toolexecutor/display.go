package toolexecutor

var displayNames = map[string]string{
	"llm_general":            "通用助手",
	"llm_thinking":           "深度思考助手",
	"knowledge_analyzer":     "知识分析器",
	"story_brainstorm":       "故事头脑风暴",
	"plot_developer":         "情节开发器",
	"longform_writer":        "长篇写作器",
	"image_generator":        "AI画师 🎨",
	"travel_planner":         "专业旅游规划器 🗺️",
	"travel_info_extractor":  "旅游信息提取器 📊",
	"itinerary_planner":      "高级旅游规划器 ✨",
	"accommodation_planner":  "住宿规划器 🏨",
	"attraction_planner":     "景点规划器 🎯",
	"restaurant_planner":     "餐饮规划器 🍽️",
	"transportation_planner": "交通规划器 🚗",
}

// DisplayName returns the built-in user-facing name of a tool, or the tool
// name itself.
func DisplayName(tool string) string {
	if name, ok := displayNames[tool]; ok {
		return name
	}
	return tool
}
