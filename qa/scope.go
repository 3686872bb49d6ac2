package qa

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Caller 是发起问答的身份，UserID 为空表示匿名调用。
type Caller struct {
	UserID string
	Roles  []string
}

// Authenticated 判断是否携带了有效身份。
func (c Caller) Authenticated() bool {
	return strings.TrimSpace(c.UserID) != ""
}

// HasRole 判断是否拥有指定角色，忽略大小写与 ROLE_ 前缀。
func (c Caller) HasRole(role string) bool {
	want := normalizeRole(role)
	for _, r := range c.Roles {
		if normalizeRole(r) == want {
			return true
		}
	}
	return false
}

func normalizeRole(role string) string {
	return strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(role)), "ROLE_")
}

// Scope 限定可检索的文档。Unrestricted 为 true 时不过滤所有者。
type Scope struct {
	Unrestricted bool
	Owners       []string
}

// OwnerFilter 返回向量检索使用的所有者过滤条件，nil 表示不限制。
func (s Scope) OwnerFilter() []string {
	if s.Unrestricted {
		return nil
	}
	if s.Owners == nil {
		return []string{}
	}
	return s.Owners
}

func (s Scope) String() string {
	if s.Unrestricted {
		return "all documents"
	}
	return fmt.Sprintf("owners %v", s.Owners)
}

// elevatedRoles 可以检索全部文档的角色。
var elevatedRoles = []string{"ADMIN", "TEACHER"}

// ScopeResolver 根据调用者身份解析检索范围。
type ScopeResolver struct {
	db *gorm.DB
}

func NewScopeResolver(db *gorm.DB) *ScopeResolver {
	return &ScopeResolver{db: db}
}

// Resolve 匿名调用与管理员、教师不受限；学生只能检索自己与关联教师的文档。
func (r *ScopeResolver) Resolve(ctx context.Context, caller Caller) (Scope, error) {
	if !caller.Authenticated() {
		return Scope{Unrestricted: true}, nil
	}
	for _, role := range elevatedRoles {
		if caller.HasRole(role) {
			return Scope{Unrestricted: true}, nil
		}
	}

	self := strings.TrimSpace(caller.UserID)
	owners := []string{self}
	if r.db == nil {
		return Scope{Owners: owners}, nil
	}

	var teachers []string
	err := r.db.WithContext(ctx).Model(&ClassAssociation{}).
		Where("student_id = ?", self).
		Order("enrolled_at ASC").
		Pluck("teacher_id", &teachers).Error
	if err != nil {
		return Scope{}, fmt.Errorf("qa: load class associations: %w", err)
	}
	seen := map[string]struct{}{self: {}}
	for _, teacher := range teachers {
		if _, ok := seen[teacher]; ok {
			continue
		}
		seen[teacher] = struct{}{}
		owners = append(owners, teacher)
	}
	return Scope{Owners: owners}, nil
}
