package database

import (
	"gorm.io/gorm"

	"tutorqa_back/knowledge"
	"tutorqa_back/llm"
	"tutorqa_back/qa"
)

// Migrate 创建全部业务表。dim 为向量列维度，仅在 postgres 上生效。
func Migrate(db *gorm.DB, dim int) error {
	if err := knowledge.Migrate(db, dim); err != nil {
		return err
	}
	if err := llm.Migrate(db); err != nil {
		return err
	}
	return qa.Migrate(db)
}
