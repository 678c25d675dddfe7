package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/opportunity"
)

func testOpportunity(t *testing.T) opportunity.Opportunity {
	t.Helper()
	o, err := opportunity.New("ETH", "binance", "okx", decimal.NewFromInt(2500), decimal.NewFromInt(2510), time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("构造机会失败: %v", err)
	}
	return o
}

func TestTelegramSinkSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sink := NewTelegramSink("token", srv.URL, time.Second, zerolog.Nop())
	if err := sink.Deliver(context.Background(), "4242", testOpportunity(t)); err != nil {
		t.Fatalf("Telegram Deliver 应成功: %v", err)
	}

	if received["chat_id"] != "4242" {
		t.Fatalf("chat_id 应为用户 ID: %#v", received)
	}
	if !strings.Contains(received["text"], "ETH") {
		t.Fatalf("text 应包含 symbol: %q", received["text"])
	}
}

func TestTelegramSinkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	sink := NewTelegramSink("token", srv.URL, time.Second, zerolog.Nop())
	err := sink.Deliver(context.Background(), "1", testOpportunity(t))
	if err == nil {
		t.Fatal("ok=false 应报错")
	}
	if !apperr.IsKind(err, apperr.DeliveryFailed) {
		t.Fatalf("错误类型应为 DeliveryFailed: %v", err)
	}
}

func TestTelegramSinkErrorHidesToken(t *testing.T) {
	const token = "123456:ABC-secret"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	sink := NewTelegramSink(token, srv.URL, time.Second, zerolog.Nop())
	err := sink.Deliver(context.Background(), "1", testOpportunity(t))
	if err == nil {
		t.Fatal("服务不可达时应报错")
	}
	if strings.Contains(err.Error(), token) {
		t.Fatalf("错误信息不应包含 bot token: %v", err)
	}
	if !strings.Contains(err.Error(), "<redacted>") {
		t.Fatalf("错误信息应保留脱敏后的 URL: %v", err)
	}
	if !apperr.IsKind(err, apperr.DeliveryFailed) {
		t.Fatalf("错误类型应为 DeliveryFailed: %v", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	sink = NewTelegramSink(token, slow.URL, time.Second, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = sink.Deliver(ctx, "1", testOpportunity(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("脱敏后仍应保留超时原因: %v", err)
	}
	if strings.Contains(err.Error(), token) {
		t.Fatalf("超时错误不应包含 bot token: %v", err)
	}
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaSinkPublishesJobKeyedByUser(t *testing.T) {
	w := &recordingWriter{}
	sink := newKafkaSink(w, "deliveries", zerolog.Nop())
	opp := testOpportunity(t)

	if err := sink.Deliver(context.Background(), "user-7", opp); err != nil {
		t.Fatalf("Deliver 不应报错: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("应写入 1 条消息, 实际 %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "user-7" {
		t.Fatalf("消息 key 应为用户 ID: %s", w.msgs[0].Key)
	}

	var job Job
	if err := json.Unmarshal(w.msgs[0].Value, &job); err != nil {
		t.Fatalf("解析 job 失败: %v", err)
	}
	if job.UserID != "user-7" || job.Opportunity.ID != opp.ID {
		t.Fatalf("job 内容不正确: %+v", job)
	}
}

func TestKafkaSinkWrapsWriteError(t *testing.T) {
	sink := newKafkaSink(&recordingWriter{err: errors.New("leader not available")}, "deliveries", zerolog.Nop())
	err := sink.Deliver(context.Background(), "u", testOpportunity(t))
	if !apperr.IsKind(err, apperr.DeliveryFailed) {
		t.Fatalf("写入失败应返回 DeliveryFailed: %v", err)
	}
}

func TestNewKafkaSinkValidates(t *testing.T) {
	if _, err := NewKafkaSink(KafkaOptions{Topic: "t"}, zerolog.Nop()); err == nil {
		t.Fatal("缺少 brokers 时应返回错误")
	}
	if _, err := NewKafkaSink(KafkaOptions{Brokers: []string{"localhost:9092"}}, zerolog.Nop()); err == nil {
		t.Fatal("缺少 topic 时应返回错误")
	}
}
