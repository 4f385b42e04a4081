package model

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SyncCode 同步指令类型
type SyncCode int

const (
	CodeUndefined SyncCode = iota
	CodeNext
	CodePrevious
	CodeGoTo
	CodeEnd
)

func (c SyncCode) String() string {
	switch c {
	case CodeNext:
		return "next"
	case CodePrevious:
		return "previous"
	case CodeGoTo:
		return "go to"
	case CodeEnd:
		return "end"
	default:
		return "unrecognized"
	}
}

// SyncInstruction 单条同步指令
//
// Relative 为真时 Timestamp 是相对前一条指令的帧差，
// 否则是录像中的绝对帧序号。Data 只对 CodeGoTo 有意义。
type SyncInstruction struct {
	Timestamp uint     `json:"timestamp"`
	Code      SyncCode `json:"code"`
	Data      uint     `json:"data"`
	Relative  bool     `json:"relative"`
}

// SyncInstructions 幻灯片同步指令序列
//
// 指令必须按时间顺序追加，视频生成会按同样顺序消费，
// 已生成的部分无法回退修改。
type SyncInstructions struct {
	instructions []SyncInstruction

	// 帧率，用于打印时间戳；为 0 时直接打印帧序号
	framerate uint

	// 按已追加指令演算出的当前幻灯片序号
	currentIndex uint

	// 幻灯片总数
	length uint

	// 最后一条指令的绝对时间，用于校验非递减顺序
	lastAbsolute uint
}

// NewSyncInstructions 构造不带帧率的指令序列
func NewSyncInstructions(length uint) *SyncInstructions {
	return &SyncInstructions{length: length}
}

// NewSyncInstructionsWithFramerate 构造带帧率的指令序列
func NewSyncInstructionsWithFramerate(length, framerate uint) *SyncInstructions {
	return &SyncInstructions{length: length, framerate: framerate}
}

// push 校验时间顺序后追加指令
func (s *SyncInstructions) push(instruction SyncInstruction) bool {
	absolute := instruction.Timestamp
	if instruction.Relative {
		absolute += s.lastAbsolute
	}

	if absolute < s.lastAbsolute {
		return false
	}

	s.instructions = append(s.instructions, instruction)
	s.lastAbsolute = absolute

	return true
}

// Next 追加下一页指令
func (s *SyncInstructions) Next(timestamp uint, relative bool) bool {
	if s.length == 0 || s.currentIndex >= s.length-1 {
		return false
	}

	if !s.push(SyncInstruction{Timestamp: timestamp, Code: CodeNext, Relative: relative}) {
		return false
	}

	s.currentIndex++

	return true
}

// Previous 追加上一页指令
func (s *SyncInstructions) Previous(timestamp uint, relative bool) bool {
	if s.currentIndex < 1 {
		return false
	}

	if !s.push(SyncInstruction{Timestamp: timestamp, Code: CodePrevious, Relative: relative}) {
		return false
	}

	s.currentIndex--

	return true
}

// GoTo 追加跳页指令
func (s *SyncInstructions) GoTo(timestamp uint, index uint, relative bool) bool {
	if index >= s.length {
		return false
	}

	if !s.push(SyncInstruction{Timestamp: timestamp, Code: CodeGoTo, Data: index, Relative: relative}) {
		return false
	}

	s.currentIndex = index

	return true
}

// End 追加结束指令
func (s *SyncInstructions) End(timestamp uint, relative bool) bool {
	return s.push(SyncInstruction{Timestamp: timestamp, Code: CodeEnd, Relative: relative})
}

// Len 指令条数
func (s *SyncInstructions) Len() int {
	return len(s.instructions)
}

// At 返回第 i 条指令
func (s *SyncInstructions) At(i int) SyncInstruction {
	return s.instructions[i]
}

// Instructions 返回指令序列的副本
func (s *SyncInstructions) Instructions() []SyncInstruction {
	out := make([]SyncInstruction, len(s.instructions))
	copy(out, s.instructions)

	return out
}

// Framerate 帧率
func (s *SyncInstructions) Framerate() uint {
	return s.framerate
}

// Slides 幻灯片总数
func (s *SyncInstructions) Slides() uint {
	return s.length
}

// CurrentIndex 演算后的当前幻灯片序号
func (s *SyncInstructions) CurrentIndex() uint {
	return s.currentIndex
}

// String 序列化为文本格式
//
// 统一使用 "\n" 行尾保证跨平台一致。
func (s *SyncInstructions) String() string {
	var writer strings.Builder

	fmt.Fprintf(&writer, "nslides = %d\n", s.length)
	fmt.Fprintf(&writer, "framerate = %d\n", s.framerate)
	fmt.Fprintf(&writer, "ninstructions = %d\n", len(s.instructions))

	for _, instruction := range s.instructions {
		writer.WriteString("[")

		if instruction.Relative {
			writer.WriteString("+")
		}

		if s.framerate != 0 {
			writer.WriteString(IndexToTimestamp(instruction.Timestamp, s.framerate))
		} else {
			writer.WriteString(strconv.FormatUint(uint64(instruction.Timestamp), 10))
		}

		writer.WriteString("]: ")

		switch instruction.Code {
		case CodeNext:
			writer.WriteString("next")
		case CodePrevious:
			writer.WriteString("previous")
		case CodeGoTo:
			// 对外表示为一基序号
			fmt.Fprintf(&writer, "go to %d", instruction.Data+1)
		case CodeEnd:
			writer.WriteString("end")
		default:
			fmt.Fprintf(&writer, "unrecognized(%d)", instruction.Code)
		}

		writer.WriteString("\n")
	}

	return writer.String()
}

// parseHeaderUint 解析 "<key> = <value>" 形式的头部行
func parseHeaderUint(line, key string) (uint, error) {
	trimmed := strings.TrimSpace(line)

	if !strings.HasPrefix(trimmed, key) {
		return 0, fmt.Errorf("expected %q header, got %q", key, line)
	}

	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, key))
	if !strings.HasPrefix(rest, "=") {
		return 0, fmt.Errorf("expected %q header, got %q", key, line)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(rest[1:]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}

	return uint(value), nil
}

// ParseSyncInstructions 从文本格式重建指令序列
//
// 指令通过 Next/Previous/GoTo/End 回放校验，越界的跳转会导致
// 整个文件被拒绝。无法识别的指令行按约定跳过。
func ParseSyncInstructions(reader io.Reader) (*SyncInstructions, error) {
	scanner := bufio.NewScanner(reader)

	readLine := func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return scanner.Text(), nil
	}

	header := [3]struct {
		key   string
		value uint
	}{{key: "nslides"}, {key: "framerate"}, {key: "ninstructions"}}

	for i := range header {
		line, err := readLine()
		if err != nil {
			return nil, err
		}

		header[i].value, err = parseHeaderUint(line, header[i].key)
		if err != nil {
			return nil, err
		}
	}

	instructions := &SyncInstructions{
		length:    header[0].value,
		framerate: header[1].value,
	}
	ninstructions := header[2].value

	for i := uint(0); i < ninstructions; i++ {
		line, err := readLine()
		if err != nil {
			return nil, err
		}

		closing := strings.IndexByte(line, ']')
		opening := strings.IndexByte(line, '[')

		if opening < 0 || closing < opening {
			return nil, fmt.Errorf("malformed instruction line %q", line)
		}

		// 左侧空白宽容处理，右侧保持严格
		stamp := strings.TrimLeft(line[opening+1:closing], " \t")

		relative := strings.HasPrefix(stamp, "+")
		if relative {
			stamp = stamp[1:]
		}

		var timestamp uint

		if instructions.framerate != 0 {
			timestamp, err = TimestampToIndex(stamp, instructions.framerate)
			if err != nil {
				return nil, err
			}
		} else {
			parsed, err := strconv.ParseUint(stamp, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", stamp, err)
			}
			timestamp = uint(parsed)
		}

		rest := strings.TrimSpace(line[closing+1:])
		if !strings.HasPrefix(rest, ":") {
			return nil, fmt.Errorf("malformed instruction line %q", line)
		}

		command := strings.TrimSpace(rest[1:])

		ok := true

		switch {
		case command == "next":
			ok = instructions.Next(timestamp, relative)
		case command == "previous":
			ok = instructions.Previous(timestamp, relative)
		case command == "end":
			ok = instructions.End(timestamp, relative)
		case strings.HasPrefix(command, "go to "):
			target, err := strconv.ParseUint(strings.TrimSpace(command[len("go to "):]), 10, 32)
			if err != nil || target == 0 {
				return nil, fmt.Errorf("invalid go to target in %q", line)
			}

			// 文本格式使用一基序号
			ok = instructions.GoTo(timestamp, uint(target-1), relative)
		default:
			// 未识别的指令跳过
			continue
		}

		if !ok {
			return nil, fmt.Errorf("instruction %q violates slide bounds or time order", line)
		}
	}

	return instructions, nil
}
