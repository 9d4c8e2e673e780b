package agent

import "strings"

const (
	contextBlockStart = "[CONTEXTO AUTOMATICO]"
	contextBlockEnd   = "[FIM DO CONTEXTO]"
)

// Context 是桌面端自动采集或网页端手动填写的环境信息，所有字段均可为空。
type Context struct {
	// Screenshot 只作为"有截图"的标记，内容本身不会发送给 Agent。
	Screenshot     string   `json:"screenshot,omitempty"`
	ActiveWindow   string   `json:"activeWindow,omitempty"`
	DetectedErrors []string `json:"detectedErrors,omitempty"`
	Sistema        string   `json:"sistema,omitempty"`
	Versao         string   `json:"versao,omitempty"`
	Ambiente       string   `json:"ambiente,omitempty"`
	// 以下字段来自网页端的上下文面板
	SistemaOperacional string `json:"sistemaOperacional,omitempty"`
	MensagemErro       string `json:"mensagemErro,omitempty"`
	NivelTecnico       string `json:"nivelTecnico,omitempty"`
}

// BuildContextBlock 生成上下文块；没有任何字段时返回空字符串。
func BuildContextBlock(c *Context) string {
	if c == nil {
		return ""
	}

	lines := []string{contextBlockStart}
	if c.Screenshot != "" {
		lines = append(lines, "Tela: screenshot")
	}
	if c.ActiveWindow != "" {
		lines = append(lines, "App ativo: "+c.ActiveWindow)
	}
	if len(c.DetectedErrors) > 0 {
		lines = append(lines, "Erros detectados: "+strings.Join(c.DetectedErrors, ", "))
	}
	if c.Sistema != "" {
		parts := []string{c.Sistema}
		if c.Versao != "" {
			parts = append(parts, c.Versao)
		}
		if c.Ambiente != "" {
			parts = append(parts, "("+c.Ambiente+")")
		}
		lines = append(lines, "Sistema: "+strings.Join(parts, " "))
	}
	if c.SistemaOperacional != "" {
		lines = append(lines, "S.O.: "+c.SistemaOperacional)
	}
	if c.MensagemErro != "" {
		lines = append(lines, "Erro reportado: "+c.MensagemErro)
	}
	if c.NivelTecnico != "" {
		lines = append(lines, "Nivel tecnico do analista: "+c.NivelTecnico)
	}

	if len(lines) == 1 {
		return ""
	}
	lines = append(lines, contextBlockEnd)
	return strings.Join(lines, "\n")
}
