package auth

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Built-in permission names.
const (
	PermDeviceRead    = "device_read"
	PermDeviceWrite   = "device_write"
	PermDeviceControl = "device_control"
	PermGroupRead     = "group_read"
	PermGroupManage   = "group_manage"
	PermReportRead    = "report_read"
	PermReportExport  = "report_export"
	PermTenantManage  = "tenant_manage"
	PermUserManage    = "user_manage"
	PermRoleManage    = "role_manage"
	PermAuditRead     = "audit_read"
)

// RoleSuperAdmin is the global role that bypasses tenant isolation.
const RoleSuperAdmin = "super_admin"

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog is the built-in set of permissions and immutable system roles.
type Catalog struct {
	Permissions []Permission
	Roles       []Role
}

type catalogFile struct {
	Permissions []struct {
		Name         string     `yaml:"name"`
		ResourceType string     `yaml:"resource_type"`
		Action       string     `yaml:"action"`
		Description  string     `yaml:"description"`
		Condition    *Condition `yaml:"condition"`
	} `yaml:"permissions"`
	Roles []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Global      bool     `yaml:"global"`
		Permissions []string `yaml:"permissions"`
	} `yaml:"roles"`
}

var (
	catalogOnce sync.Once
	catalog     Catalog
	catalogErr  error
)

// Builtins returns the embedded catalog. The result must not be modified.
func Builtins() (Catalog, error) {
	catalogOnce.Do(func() {
		catalog, catalogErr = ParseCatalog(catalogYAML)
	})
	return catalog, catalogErr
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(raw []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	var c Catalog
	known := make(map[string]struct{}, len(f.Permissions))
	for _, p := range f.Permissions {
		if p.Name == "" || p.ResourceType == "" || p.Action == "" {
			return Catalog{}, fmt.Errorf("%w: permission %q is incomplete", ErrInvalidInput, p.Name)
		}
		if _, dup := known[p.Name]; dup {
			return Catalog{}, fmt.Errorf("%w: permission %q declared twice", ErrConflict, p.Name)
		}
		known[p.Name] = struct{}{}
		c.Permissions = append(c.Permissions, Permission{
			Name:         p.Name,
			ResourceType: p.ResourceType,
			Action:       p.Action,
			Description:  p.Description,
			Condition:    p.Condition,
		})
	}
	for _, r := range f.Roles {
		for _, perm := range r.Permissions {
			if _, ok := known[perm]; !ok {
				return Catalog{}, fmt.Errorf("%w: role %q references unknown permission %q", ErrInvalidInput, r.Name, perm)
			}
		}
		c.Roles = append(c.Roles, Role{
			ID:          SystemRoleID(r.Name),
			Name:        r.Name,
			Description: r.Description,
			System:      true,
			Global:      r.Global,
			Permissions: append([]string(nil), r.Permissions...),
		})
	}
	return c, nil
}

// SystemRoleID is the stable identifier of a built-in role.
func SystemRoleID(name string) string { return "sys_" + name }
