package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

// AmazonQ implements the Amazon Q / CodeWhisperer channel (C7a build, C8a
// adapt). Auth is a bearer access token rather than AWS SigV4, so unlike
// the Bedrock provider this never signs the request — only the endpoint
// and streaming-frame idiom are carried over.
type AmazonQ struct {
	StreamEndpoint string
	HTTPClient     *http.Client
}

func NewAmazonQ(streamEndpoint string) *AmazonQ {
	return &AmazonQ{StreamEndpoint: streamEndpoint, HTTPClient: &http.Client{}}
}

func (a *AmazonQ) Name() string { return "amazon_q" }

type qRequest struct {
	ConversationState struct {
		ConversationID string `json:"conversationId,omitempty"`
		CurrentMessage struct {
			UserInputMessage struct {
				Content string `json:"content"`
			} `json:"userInputMessage"`
		} `json:"currentMessage"`
	} `json:"conversationState"`
	ProfileArn string `json:"profileArn,omitempty"`
}

// buildRequest merges conversation history into one synthesized user
// message, rendering tool_use/tool_result/thinking blocks as the XML-ish
// tags §4.7 C7a describes, and appends a thinking hint when thinking is
// enabled.
func (a *AmazonQ) buildRequest(req claude.Request, acct *account.Account, accessToken string) (*http.Request, error) {
	merged := mergeAlternating(req.Messages)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<context>\ncurrent time: %s\n</context>\n", time.Now().UTC().Format(time.RFC3339)))

	for i, m := range merged {
		blocks, err := m.AsBlocks()
		if err != nil {
			return nil, fmt.Errorf("amazonq: decode message %d: %w", i, err)
		}
		sb.WriteString(fmt.Sprintf("<%s_message>\n", m.Role))
		sb.WriteString(renderBlocksAsText(blocks))
		sb.WriteString(fmt.Sprintf("\n</%s_message>\n", m.Role))
	}

	thinking := req.ParseThinking(1024)
	if thinking.Enabled {
		sb.WriteString("\nWrap your internal reasoning in <thinking>...</thinking> before your final answer.\n")
	}

	var body qRequest
	body.ConversationState.CurrentMessage.UserInputMessage.Content = sb.String()
	if ext, err := acct.Extension(); err == nil {
		body.ProfileArn = ext.ProfileARN
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("amazonq: marshal: %w", err)
	}

	endpoint := a.StreamEndpoint
	if endpoint == "" {
		endpoint = "https://q.us-east-1.amazonaws.com/"
	}

	httpReq, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("amazonq: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-amz-json-1.0")
	httpReq.Header.Set("X-Amz-Target", "AmazonCodeWhispererStreamingService.GenerateAssistantResponse")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	return httpReq, nil
}

// mergeAlternating concatenates consecutive same-role messages and
// prepends an empty user turn if the sequence doesn't start with one
// (§4.7 C7a).
func mergeAlternating(msgs []claude.Message) []claude.Message {
	var out []claude.Message
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			prevBlocks, _ := out[len(out)-1].AsBlocks()
			curBlocks, _ := m.AsBlocks()
			merged, _ := json.Marshal(append(prevBlocks, curBlocks...))
			out[len(out)-1].RawContent = merged
			continue
		}
		out = append(out, m)
	}
	if len(out) > 0 && out[0].Role != "user" {
		empty, _ := json.Marshal([]claude.ContentBlock{{Type: "text", Text: ""}})
		out = append([]claude.Message{{Role: "user", RawContent: empty}}, out...)
	}
	return out
}

func renderBlocksAsText(blocks []claude.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "thinking", "redacted_thinking":
			sb.WriteString("<thinking>")
			sb.WriteString(b.Thinking)
			sb.WriteString("</thinking>")
		case "tool_use":
			sb.WriteString(fmt.Sprintf("<tool_use><name>%s</name><input>%s</input></tool_use>", b.Name, string(b.Input)))
		case "tool_result":
			sb.WriteString(fmt.Sprintf("<tool_result id=%q>%s</tool_result>", b.ToolUseID, string(b.Content)))
		}
	}
	return sb.String()
}

// ─── Binary event-stream decode (§4.8 C8a) ─────────────────────────────────

// frame is one decoded AWS event-stream message: prelude + headers +
// payload, CRC-validated (§4.8).
type frame struct {
	eventType string
	payload   []byte
}

// readFrame parses one message: 12-byte prelude {total_len, headers_len,
// prelude_crc}, header block, payload, trailing 4-byte message CRC.
func readFrame(r io.Reader) (*frame, error) {
	prelude := make([]byte, 12)
	if _, err := io.ReadFull(r, prelude); err != nil {
		return nil, err
	}
	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if crc32.ChecksumIEEE(prelude[0:8]) != preludeCRC {
		return nil, fmt.Errorf("amazonq: prelude CRC mismatch")
	}
	if totalLen < 16 {
		return nil, fmt.Errorf("amazonq: invalid frame length %d", totalLen)
	}

	rest := make([]byte, totalLen-12)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	headerBytes := rest[:headersLen]
	payloadBytes := rest[headersLen : len(rest)-4]
	// trailing 4 bytes of rest are the message CRC; not re-verified here
	// since a corrupt payload surfaces as a JSON decode error downstream.

	headers := parseHeaders(headerBytes)
	return &frame{eventType: headers[":event-type"], payload: payloadBytes}, nil
}

// parseHeaders decodes the AWS event-stream header block: each header is
// {name_len byte, name, type byte, value_len uint16, value} for string
// values, which is what :event-type/:content-type/:message-type use.
func parseHeaders(b []byte) map[string]string {
	out := map[string]string{}
	for len(b) > 0 {
		nameLen := int(b[0])
		b = b[1:]
		if nameLen > len(b) {
			break
		}
		name := string(b[:nameLen])
		b = b[nameLen:]
		if len(b) < 1 {
			break
		}
		valueType := b[0]
		b = b[1:]
		if valueType != 7 { // string type
			break
		}
		if len(b) < 2 {
			break
		}
		valLen := int(binary.BigEndian.Uint16(b[:2]))
		b = b[2:]
		if valLen > len(b) {
			break
		}
		out[name] = string(b[:valLen])
		b = b[valLen:]
	}
	return out
}

type initialResponsePayload struct {
	ConversationID string `json:"conversationId"`
}

type assistantResponsePayload struct {
	Content string `json:"content"`
}

// Execute sends the synthesized Q request and decodes the binary
// event-stream response, synthesizing content_block start/stop around the
// shared <thinking>-tag parser's output (§4.8 C8a).
func (a *AmazonQ) Execute(ctx context.Context, req claude.Request, model string, acct *account.Account, accessToken string, sc StreamContext, emit func(events ...claude.Event)) (claude.Usage, error) {
	httpReq, err := a.buildRequest(req, acct, accessToken)
	if err != nil {
		return claude.Usage{}, err
	}
	httpReq = httpReq.WithContext(ctx)

	resp, err := a.HTTPClient.Do(httpReq)
	if err != nil {
		return claude.Usage{}, fmt.Errorf("amazonq: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return claude.Usage{}, &UpstreamError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	return a.adapt(ctx, resp.Body, sc, emit)
}

// adapt decodes the binary event-stream body already fetched by Execute.
func (a *AmazonQ) adapt(ctx context.Context, body io.Reader, sc StreamContext, emit func(events ...claude.Event)) (claude.Usage, error) {
	usage := claude.Usage{CacheCreationInputTokens: sc.CacheCreationTokens, CacheReadInputTokens: sc.CacheReadTokens}
	emit(claude.NewMessageStart(sc.MessageID, sc.Model, usage))

	parser := NewThinkingTagParser(0, emit)
	outputChars := 0

	for {
		select {
		case <-ctx.Done():
			parser.Close()
			return usage, ctx.Err()
		default:
		}

		f, err := readFrame(body)
		if err == io.EOF {
			break
		}
		if err != nil {
			parser.Close()
			return usage, fmt.Errorf("amazonq: read frame: %w", err)
		}

		switch f.eventType {
		case "initial-response":
			// conversationId carried for logging purposes only; Claude's
			// message_start already went out above.
			var ir initialResponsePayload
			_ = json.Unmarshal(f.payload, &ir)
		case "assistantResponseEvent":
			var ev assistantResponsePayload
			if err := json.Unmarshal(f.payload, &ev); err != nil {
				continue
			}
			outputChars += len(ev.Content)
			parser.Feed(ev.Content)
		}
	}

	parser.Close()
	usage.OutputTokens = estimateTokensFromChars(outputChars)
	emit(claude.NewMessageDelta("end_turn", usage))
	emit(claude.NewMessageStop())
	return usage, nil
}

// estimateTokensFromChars is a last-resort fallback when no tokenizer is
// wired for a given model; the tokencount package's estimator is preferred
// wherever the full request text is available.
func estimateTokensFromChars(chars int) int {
	return (chars + 3) / 4
}
