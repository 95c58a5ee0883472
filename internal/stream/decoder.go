package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"easyagent-client/internal/model"
	"easyagent-client/pkg/logger"
)

const dataPrefix = "data: "

// MaxLineSize 单行上限，超过时以 *StreamError 结束读取
const MaxLineSize = 4 << 20

// Stats 一次读取过程中的计数
type Stats struct {
	Events    int
	Noise     int
	Malformed int
	Unknown   int
}

// Decoder 把 text/event-stream 响应体解析为事件序列。
// 记录按行缓冲，跨越两次网络读取的记录会被拼接完整后再分发。
type Decoder struct {
	sc    *bufio.Scanner
	done  bool
	stats Stats
}

func NewDecoder(r io.Reader) *Decoder {
	return newDecoderSize(r, MaxLineSize)
}

func newDecoderSize(r io.Reader, maxLine int) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	return &Decoder{sc: sc}
}

// Next 返回下一个事件。收到 [DONE] 后返回 Done，之后返回 io.EOF。
// 传输错误和超长行以 *StreamError 返回。
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return nil, io.EOF
	}

	for d.sc.Scan() {
		if ev, ok := d.parseLine(d.sc.Text()); ok {
			if ev.Kind() == KindDone {
				d.done = true
			}
			return ev, nil
		}
	}

	if err := d.sc.Err(); err != nil {
		return nil, &StreamError{Err: err}
	}
	logger.Warnf("事件流在 %s 之前关闭", model.DoneSentinel)
	d.done = true
	return Done{}, nil
}

func (d *Decoder) Stats() Stats {
	return d.stats
}

func (d *Decoder) parseLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, false
	}

	if !strings.HasPrefix(line, dataPrefix) {
		d.stats.Noise++
		logger.Debugf("丢弃非协议行: %s", truncate(line, 120))
		return nil, false
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == model.DoneSentinel {
		return Done{}, true
	}
	if payload == "" {
		return nil, false
	}

	var rec model.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		d.stats.Malformed++
		logger.Warnf("跳过无法解析的事件: %v", &MalformedEventError{Payload: payload, Err: err})
		return nil, false
	}

	ev, err := Decode(rec)
	if errors.Is(err, ErrUnknownEventType) {
		d.stats.Unknown++
		logger.Warnf("忽略未知事件类型: %s", rec.Type)
		return nil, false
	}
	if err != nil {
		d.stats.Malformed++
		logger.Warnf("跳过无法解析的事件: %v", &MalformedEventError{Payload: payload, Err: err})
		return nil, false
	}

	d.stats.Events++
	return ev, true
}
