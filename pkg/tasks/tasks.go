// Package tasks defines the structure for tasks that are dispatched to the ingestion pipeline.
package tasks

// SolutionProcessingTask 是一次后台处理请求：记录与二进制文件已保存，按 id 重新加载后处理。
type SolutionProcessingTask struct {
	SolutionID string `json:"solution_id"`
	FileName   string `json:"file_name"` // 存储中的文件名 {id}.{fileType}
}
