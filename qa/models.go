package qa

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// History 记录一次问答，对应 t_qa_history 表。
type History struct {
	ID                 string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID             *string        `gorm:"size:64;index" json:"user_id,omitempty"`
	Question           string         `gorm:"size:1000;not null" json:"question"`
	Answer             string         `gorm:"type:text;not null" json:"answer"`
	ResponseTime       int64          `gorm:"not null" json:"response_time"`
	RetrievedChunks    datatypes.JSON `json:"retrieved_chunks,omitempty"`
	RetrievedDocuments datatypes.JSON `json:"retrieved_documents,omitempty"`
	ModelVersion       string         `gorm:"size:255" json:"model_version"`
	AskedAt            time.Time      `gorm:"not null;index" json:"asked_at"`
}

func (History) TableName() string {
	return "t_qa_history"
}

// CitationRecord 记录答案引用的分块，对应 t_citation 表。
type CitationRecord struct {
	ID             string   `gorm:"type:varchar(36);primaryKey" json:"id"`
	QaID           string   `gorm:"type:varchar(36);not null;index" json:"qa_id"`
	ChunkID        string   `gorm:"type:varchar(36);not null" json:"chunk_id"`
	DocumentID     string   `gorm:"type:varchar(36);not null;index" json:"document_id"`
	PageNum        *int     `json:"page_num,omitempty"`
	ChunkIndex     int      `gorm:"not null" json:"chunk_index"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
	CitationText   string   `gorm:"size:500" json:"citation_text"`
}

func (CitationRecord) TableName() string {
	return "t_citation"
}

// ClassAssociation 表示教师与学生的班级关系，学生可以检索关联教师上传的资料。
type ClassAssociation struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TeacherID  string    `gorm:"size:64;not null;uniqueIndex:idx_class_teacher_student" json:"teacher_id"`
	StudentID  string    `gorm:"size:64;not null;uniqueIndex:idx_class_teacher_student;index" json:"student_id"`
	EnrolledAt time.Time `gorm:"not null" json:"enrolled_at"`
}

func (ClassAssociation) TableName() string {
	return "t_class_association"
}

// Migrate 创建问答相关的表。
func Migrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("qa: database is not configured")
	}
	if err := db.AutoMigrate(&History{}, &CitationRecord{}, &ClassAssociation{}); err != nil {
		return fmt.Errorf("qa: migrate: %w", err)
	}
	return nil
}
