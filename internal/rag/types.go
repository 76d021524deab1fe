package rag

// Source is a cited excerpt returned alongside an answer.
type Source struct {
	Text            string  `json:"text"`
	Filename        string  `json:"filename"`
	ChunkIndex      int     `json:"chunk_index"`
	SimilarityScore float64 `json:"similarity_score"`
}

// QueryRequest is the body of POST /query. TopK is omitted when zero so the
// backend applies its own default.
type QueryRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

// QueryResponse is the answer to a question.
type QueryResponse struct {
	Question         string   `json:"question"`
	Answer           string   `json:"answer"`
	Sources          []Source `json:"sources"`
	ProcessingTimeMs float64  `json:"processing_time_ms"`
}

// UploadResponse describes a document the backend indexed.
type UploadResponse struct {
	Status           string         `json:"status"`
	Message          string         `json:"message"`
	DocumentID       string         `json:"document_id"`
	Filename         string         `json:"filename"`
	FileInfo         map[string]any `json:"file_info"`
	ChunksAdded      int            `json:"chunks_added"`
	TotalChunks      int            `json:"total_chunks"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
}

// StatusResponse summarizes the backend index.
type StatusResponse struct {
	Status           string `json:"status"`
	TotalDocuments   int    `json:"total_documents"`
	TotalChunks      int    `json:"total_chunks"`
	EmbeddingModel   string `json:"embedding_model"`
	VectorDBProvider string `json:"vector_db_provider"`
	LLMModel         string `json:"llm_model"`
}

// MaintenanceResponse is returned by the reset, save and load endpoints.
type MaintenanceResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	Path           string `json:"path,omitempty"`
	TotalDocuments *int   `json:"total_documents,omitempty"`
	TotalChunks    *int   `json:"total_chunks,omitempty"`
	TotalVectors   *int   `json:"total_vectors,omitempty"`
}
