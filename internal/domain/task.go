package domain

// TaskDefinition is the persisted outcome of a completed task-definition dialogue.
type TaskDefinition struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	Name              string     `json:"name"`
	Description       *string    `json:"description"`
	JSONSchema        TaskSchema `json:"json_schema"`
	RecommendedModels []string   `json:"recommended_models"`
	CreatedAt         Timestamp  `json:"created_at"`
	UpdatedAt         *Timestamp `json:"updated_at"`
}

// ModelRecommendation is one entry of the backend's ranked model list.
type ModelRecommendation struct {
	ModelID     string   `json:"model_id"`
	ModelName   string   `json:"model_name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
	Downloads   int      `json:"downloads"`
	Likes       int      `json:"likes"`
	Author      string   `json:"author,omitempty"`
}

// User is the account returned by the auth endpoints.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  *string   `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt Timestamp `json:"created_at"`
}
