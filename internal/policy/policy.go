// Package policy 实现基于白名单的文件类型策略引擎。
// 引擎是纯函数：相同的输入字节与策略版本必然产出相同结论，
// 声明时（只有元数据）与扫描时（有真实字节）会各跑一次，结论必须相容。
package policy

import (
	"archive/zip"
	"bytes"
	"net/http"
	"path/filepath"
	"strings"
)

// SniffLimit 是嗅探读取的前缀上限：只读这么多字节即可推断真实类型。
const SniffLimit = 16 * 1024

// ContainerKind 标记需要额外做容器结构校验的类型。
type ContainerKind string

const (
	// ContainerNone 表示不需要容器校验。
	ContainerNone ContainerKind = ""
	// ContainerOOXML 表示 Office OpenXML：外层是 ZIP，内部必须含
	// [Content_Types].xml 结构标记。
	ContainerOOXML ContainerKind = "ooxml"
)

// Rule 描述某个扩展名允许的证据组合。
type Rule struct {
	ExpectedMIMEs []string
	SniffMIMEs    []string
	MagicPrefixes [][]byte
	MaxSizeBytes  int64 // 0 表示只受全局上限约束
	Container     ContainerKind
}

// officeSniffMIMEs：OOXML 文档本质是 ZIP，嗅探结果五花八门，全部接受，
// 真正的判定交给魔数与容器结构校验。
var officeSniffMIMEs = []string{
	"application/zip",
	"application/octet-stream",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

var zipMagic = []byte("PK\x03\x04")

// rules 是扩展名白名单：不在表中的扩展名无论内容如何一律拒绝（默认拒绝）。
var rules = map[string]Rule{
	".pdf": {
		ExpectedMIMEs: []string{"application/pdf"},
		SniffMIMEs:    []string{"application/pdf"},
		MagicPrefixes: [][]byte{[]byte("%PDF-")},
	},
	".txt": {
		ExpectedMIMEs: []string{"text/plain"},
		SniffMIMEs:    []string{"text/plain"},
	},
	".csv": {
		ExpectedMIMEs: []string{"text/csv", "application/csv"},
		SniffMIMEs:    []string{"text/plain", "text/csv"},
	},
	".png": {
		ExpectedMIMEs: []string{"image/png"},
		SniffMIMEs:    []string{"image/png"},
		MagicPrefixes: [][]byte{{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}},
	},
	".jpg": {
		ExpectedMIMEs: []string{"image/jpeg"},
		SniffMIMEs:    []string{"image/jpeg"},
		MagicPrefixes: [][]byte{{0xff, 0xd8, 0xff}},
	},
	".jpeg": {
		ExpectedMIMEs: []string{"image/jpeg"},
		SniffMIMEs:    []string{"image/jpeg"},
		MagicPrefixes: [][]byte{{0xff, 0xd8, 0xff}},
	},
	".gif": {
		ExpectedMIMEs: []string{"image/gif"},
		SniffMIMEs:    []string{"image/gif"},
		MagicPrefixes: [][]byte{[]byte("GIF87a"), []byte("GIF89a")},
	},
	".docx": {
		ExpectedMIMEs: []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		SniffMIMEs:    officeSniffMIMEs,
		MagicPrefixes: [][]byte{zipMagic},
		Container:     ContainerOOXML,
	},
	".xlsx": {
		ExpectedMIMEs: []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		SniffMIMEs:    officeSniffMIMEs,
		MagicPrefixes: [][]byte{zipMagic},
		Container:     ContainerOOXML,
	},
	".pptx": {
		ExpectedMIMEs: []string{"application/vnd.openxmlformats-officedocument.presentationml.presentation"},
		SniffMIMEs:    officeSniffMIMEs,
		MagicPrefixes: [][]byte{zipMagic},
		Container:     ContainerOOXML,
	},
}

// Verdict 是策略判定结论。
type Verdict struct {
	Allowed bool
	Reason  string
	Details map[string]any
}

func allow() Verdict {
	return Verdict{Allowed: true}
}

func deny(reason string, details map[string]any) Verdict {
	return Verdict{Allowed: false, Reason: reason, Details: details}
}

// 判定失败原因，会原样进入审计事件的 metadata。
const (
	ReasonDisallowedExtension  = "disallowed_extension"
	ReasonTooLarge             = "too_large"
	ReasonTypeSizeLimit        = "type_size_limit"
	ReasonDeclaredMismatch     = "declared_mime_mismatch"
	ReasonSniffMissing         = "sniff_missing"
	ReasonSniffMismatch        = "sniff_mismatch"
	ReasonMagicMissing         = "magic_missing"
	ReasonMagicMismatch        = "magic_mismatch"
	ReasonContainerUnavailable = "container_unavailable"
	ReasonContainerMalformed   = "container_malformed"
)

// Evidence 聚合一次判定可用的全部证据。字节类字段允许缺失：
// 声明阶段只有元数据，完成阶段有前缀样本，扫描阶段才有完整容器内容。
type Evidence struct {
	Filename     string
	DeclaredType string
	SniffedType  string
	SizeBytes    int64  // <0 表示未知
	Sample       []byte // 前 SniffLimit 字节
	// Container 为完整对象内容，仅在规则要求容器校验时需要。
	Container []byte
}

// CheckDeclared 是声明阶段的静态检查：只看扩展名、申报类型与大小，
// 未知扩展名直接拒绝，不产生任何持久化记录。
func CheckDeclared(filename, declaredType string, size, maxSizeBytes int64) Verdict {
	ext, rule, ok := ruleForFilename(filename)
	if !ok {
		return deny(ReasonDisallowedExtension, map[string]any{"filename": filename})
	}

	if v := checkSize(ext, rule, size, maxSizeBytes); !v.Allowed {
		return v
	}

	declared := baseMIME(declaredType)
	if !contains(rule.ExpectedMIMEs, declared) {
		return deny(ReasonDeclaredMismatch, map[string]any{"declared": declared, "ext": ext})
	}

	return allow()
}

// Evaluate 是完整判定：在静态检查之上校验嗅探类型、魔数前缀与容器结构。
func Evaluate(e Evidence, maxSizeBytes int64) Verdict {
	ext, rule, ok := ruleForFilename(e.Filename)
	if !ok {
		return deny(ReasonDisallowedExtension, map[string]any{"filename": e.Filename})
	}

	if v := checkSize(ext, rule, e.SizeBytes, maxSizeBytes); !v.Allowed {
		return v
	}

	declared := baseMIME(e.DeclaredType)
	if !contains(rule.ExpectedMIMEs, declared) {
		return deny(ReasonDeclaredMismatch, map[string]any{"declared": declared, "ext": ext})
	}

	sniffed := baseMIME(e.SniffedType)
	if sniffed == "" {
		return deny(ReasonSniffMissing, map[string]any{"ext": ext})
	}
	if !contains(rule.SniffMIMEs, sniffed) {
		return deny(ReasonSniffMismatch, map[string]any{"sniffed": sniffed, "declared": declared, "ext": ext})
	}

	if len(rule.MagicPrefixes) > 0 {
		if len(e.Sample) == 0 {
			return deny(ReasonMagicMissing, map[string]any{"ext": ext})
		}
		matched := false
		for _, prefix := range rule.MagicPrefixes {
			if bytes.HasPrefix(e.Sample, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return deny(ReasonMagicMismatch, map[string]any{"ext": ext, "sniffed": sniffed})
		}
	}

	if rule.Container != ContainerNone {
		if v := checkContainer(ext, rule.Container, e.Container); !v.Allowed {
			return v
		}
	}

	return allow()
}

// RequiresContainer 报告该文件名的规则是否需要完整内容做容器校验。
func RequiresContainer(filename string) bool {
	_, rule, ok := ruleForFilename(filename)
	return ok && rule.Container != ContainerNone
}

// Sniff 从前缀字节推断 MIME 类型，独立于客户端申报。
func Sniff(sample []byte) string {
	if len(sample) == 0 {
		return ""
	}
	if len(sample) > 512 {
		sample = sample[:512]
	}
	return baseMIME(http.DetectContentType(sample))
}

// checkContainer 把字节流当作期望的归档容器解析并核对内部结构标记。
// 外层签名看似有效但容器损坏同样视为违规。
func checkContainer(ext string, kind ContainerKind, content []byte) Verdict {
	if len(content) == 0 {
		return deny(ReasonContainerUnavailable, map[string]any{"ext": ext})
	}

	switch kind {
	case ContainerOOXML:
		reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
		if err != nil {
			return deny(ReasonContainerMalformed, map[string]any{"ext": ext, "error": err.Error()})
		}
		for _, f := range reader.File {
			if f.Name == "[Content_Types].xml" {
				return allow()
			}
		}
		return deny(ReasonContainerMalformed, map[string]any{"ext": ext, "error": "missing [Content_Types].xml"})
	default:
		return deny(ReasonContainerMalformed, map[string]any{"ext": ext, "error": "unknown container kind"})
	}
}

func checkSize(ext string, rule Rule, size, maxSizeBytes int64) Verdict {
	if size < 0 {
		return allow()
	}
	if maxSizeBytes > 0 && size > maxSizeBytes {
		return deny(ReasonTooLarge, map[string]any{"size": size, "max": maxSizeBytes})
	}
	if rule.MaxSizeBytes > 0 && size > rule.MaxSizeBytes {
		return deny(ReasonTypeSizeLimit, map[string]any{"size": size, "max": rule.MaxSizeBytes, "ext": ext})
	}
	return allow()
}

func ruleForFilename(filename string) (string, Rule, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	rule, ok := rules[ext]
	return ext, rule, ok
}

// baseMIME 去掉参数部分并归一化大小写，如 "Text/Plain; charset=utf-8" -> "text/plain"。
func baseMIME(value string) string {
	if value == "" {
		return ""
	}
	base, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
