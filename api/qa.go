package api

import (
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tutorqa_back/authorization"
	"tutorqa_back/qa"
)

type askRequest struct {
	Question         string `json:"question" binding:"required"`
	TopK             int    `json:"topK"`
	PreviousQuestion string `json:"previousQuestion"`
	PreviousAnswer   string `json:"previousAnswer"`
}

func (r askRequest) toRequest(caller qa.Caller) qa.Request {
	req := qa.Request{Question: r.Question, TopK: r.TopK, Caller: caller}
	if strings.TrimSpace(r.PreviousQuestion) != "" || strings.TrimSpace(r.PreviousAnswer) != "" {
		req.Previous = &qa.Turn{Question: r.PreviousQuestion, Answer: r.PreviousAnswer}
	}
	return req
}

// wsMessage 是 websocket 通道上推送的一条事件。
type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// handleAsk godoc
// @Summary 提问
// @Description 检索可访问的资料并生成带引用的答案。Accept 为 text/event-stream 或 stream=1 时以 SSE 推送
// @Tags QA
// @Accept json
// @Produce json
// @Param request body askRequest true "问题"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// handleAsk 回答一个问题。
func (m *Module) handleAsk(c *gin.Context) {
	if m == nil || m.qa == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "qa service not available"})
		return
	}
	var payload askRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	req := payload.toRequest(callerFrom(c))
	if wantsEventStream(c) {
		m.streamAnswer(c, req)
		return
	}

	answer, err := m.qa.Ask(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "问答失败")
		return
	}
	c.JSON(http.StatusOK, answer)
}

// handleStream godoc
// @Summary 流式提问
// @Description 以 SSE 依次推送 meta、delta、done 或 error 事件
// @Tags QA
// @Accept json
// @Produce text/event-stream
// @Param request body askRequest true "问题"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} map[string]string
// handleStream 通过 SSE 推送答案。
func (m *Module) handleStream(c *gin.Context) {
	if m == nil || m.qa == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "qa service not available"})
		return
	}
	var payload askRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	m.streamAnswer(c, payload.toRequest(callerFrom(c)))
}

// handleStreamQuery godoc
// @Summary 流式提问（查询参数）
// @Description 供 EventSource 使用，令牌可通过 access_token 参数传递
// @Tags QA
// @Produce text/event-stream
// @Param question query string true "问题"
// @Param topK query int false "检索数量"
// @Param previousQuestion query string false "上一问"
// @Param previousAnswer query string false "上一答"
// @Success 200 {string} string "event stream"
// handleStreamQuery 读取查询参数并通过 SSE 推送答案。
func (m *Module) handleStreamQuery(c *gin.Context) {
	if m == nil || m.qa == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "qa service not available"})
		return
	}
	payload := askRequest{
		Question:         c.Query("question"),
		PreviousQuestion: c.Query("previousQuestion"),
		PreviousAnswer:   c.Query("previousAnswer"),
	}
	if strings.TrimSpace(payload.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	if raw := strings.TrimSpace(c.Query("topK")); raw != "" {
		topK, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid topK"})
			return
		}
		payload.TopK = topK
	}
	m.streamAnswer(c, payload.toRequest(callerFrom(c)))
}

func (m *Module) streamAnswer(c *gin.Context, req qa.Request) {
	writer := openEventStream(c)
	if writer == nil {
		return
	}
	err := m.qa.Stream(c.Request.Context(), req, func(event qa.Event) error {
		return writer.Send(event.Name, event.Data)
	})
	if err != nil {
		log.Printf("api: stream closed early: %v", err)
	}
}

// handleWebSocket godoc
// @Summary websocket 问答
// @Description 每收到一条 JSON 问题，按 {event, data} 格式推送 meta、delta、done 或 error
// @Tags QA
// @Success 101 ""
// handleWebSocket 在 websocket 连接上循环处理问题。
func (m *Module) handleWebSocket(c *gin.Context) {
	if m == nil || m.qa == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "qa service not available"})
		return
	}
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	caller := callerFrom(c)
	ctx := c.Request.Context()
	for {
		var payload askRequest
		if err := conn.ReadJSON(&payload); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("api: websocket read: %v", err)
			}
			return
		}
		err := m.qa.Stream(ctx, payload.toRequest(caller), func(event qa.Event) error {
			return conn.WriteJSON(wsMessage{Event: event.Name, Data: event.Data})
		})
		if err != nil {
			log.Printf("api: websocket write: %v", err)
			return
		}
	}
}

// handleHistory godoc
// @Summary 问答历史
// @Description 返回当前用户最近的问答记录
// @Tags QA
// @Produce json
// @Param limit query int false "条数，默认 20，最多 100"
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// handleHistory 列出当前用户的问答历史。
func (m *Module) handleHistory(c *gin.Context) {
	if m == nil || m.qa == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "qa service not available"})
		return
	}
	identity, ok := authorization.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	limit, _ := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	items, err := m.qa.History(c.Request.Context(), identity.UserID, limit)
	if err != nil {
		respondError(c, err, "failed to load history")
		return
	}
	if items == nil {
		items = []qa.History{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// originChecker accepts same-host requests, requests without an Origin
// header and origins listed in CORS_ALLOW_ORIGINS. An empty list or "*"
// accepts everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
