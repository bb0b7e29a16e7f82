package slack

// Slack Web API 边界 DTO。API 的错误以 200 + ok=false 表达，
// 客户端在边界处统一转成分类错误。

// Message 频道消息
type Message struct {
	TS       string `json:"ts"`
	Text     string `json:"text"`
	User     string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// Channel 频道信息
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Topic struct {
		Value string `json:"value"`
	} `json:"topic"`
}

// User 用户信息
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Profile struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
	} `json:"profile"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type channelResponse struct {
	apiResponse
	Channel Channel `json:"channel"`
}

type historyResponse struct {
	apiResponse
	Messages []Message `json:"messages"`
}

type membersResponse struct {
	apiResponse
	Members []string `json:"members"`
}

type userResponse struct {
	apiResponse
	User User `json:"user"`
}
