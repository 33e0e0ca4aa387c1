package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// rpcFunction is one SQL function the repositories call by name.
type rpcFunction struct {
	name string
	sql  string
}

var rpcFunctions = []rpcFunction{
	{name: "get_user_permissions", sql: `
CREATE OR REPLACE FUNCTION get_user_permissions(p_user_id uuid)
RETURNS TABLE(permission_name text)
LANGUAGE sql STABLE AS $$
	SELECT p.name::text
	FROM profiles pr
	JOIN role_permissions rp ON rp.role_id = pr.role_id
	JOIN permissions p ON p.id = rp.permission_id
	WHERE pr.id = p_user_id
	ORDER BY p.name
$$;`},
	{name: "get_all_roles", sql: `
CREATE OR REPLACE FUNCTION get_all_roles()
RETURNS TABLE(id uuid, name text, is_system boolean, description text)
LANGUAGE sql STABLE AS $$
	SELECT r.id, r.name::text, r.is_system, r.description
	FROM roles r
	ORDER BY r.is_system DESC, r.name
$$;`},
	{name: "get_role_permissions", sql: `
CREATE OR REPLACE FUNCTION get_role_permissions()
RETURNS TABLE(role_id uuid, permission_name text)
LANGUAGE sql STABLE AS $$
	SELECT rp.role_id, p.name::text
	FROM role_permissions rp
	JOIN permissions p ON p.id = rp.permission_id
	ORDER BY rp.role_id, p.name
$$;`},
	{name: "create_role", sql: `
CREATE OR REPLACE FUNCTION create_role(p_name text, p_description text)
RETURNS uuid
LANGUAGE plpgsql AS $$
DECLARE
	v_id uuid;
BEGIN
	INSERT INTO roles (name, description, is_system, created_at, updated_at)
	VALUES (p_name, p_description, false, now(), now())
	RETURNING id INTO v_id;
	RETURN v_id;
END;
$$;`},
	{name: "delete_role", sql: `
CREATE OR REPLACE FUNCTION delete_role(p_role_id uuid)
RETURNS void
LANGUAGE plpgsql AS $$
BEGIN
	IF EXISTS (SELECT 1 FROM roles WHERE id = p_role_id AND is_system) THEN
		RAISE EXCEPTION 'built-in roles cannot be deleted';
	END IF;
	UPDATE profiles SET role_id = NULL WHERE role_id = p_role_id;
	DELETE FROM role_permissions WHERE role_id = p_role_id;
	DELETE FROM roles WHERE id = p_role_id;
	IF NOT FOUND THEN
		RAISE EXCEPTION 'role % not found', p_role_id USING ERRCODE = '23503';
	END IF;
END;
$$;`},
	{name: "add_permission_to_role_by_name", sql: `
CREATE OR REPLACE FUNCTION add_permission_to_role_by_name(p_role_id uuid, p_permission text)
RETURNS void
LANGUAGE plpgsql AS $$
DECLARE
	v_perm uuid;
BEGIN
	SELECT id INTO v_perm FROM permissions WHERE name = p_permission;
	IF v_perm IS NULL THEN
		RAISE EXCEPTION 'unknown permission %', p_permission;
	END IF;
	INSERT INTO role_permissions (role_id, permission_id)
	VALUES (p_role_id, v_perm)
	ON CONFLICT DO NOTHING;
END;
$$;`},
	{name: "remove_permission_from_role_by_name", sql: `
CREATE OR REPLACE FUNCTION remove_permission_from_role_by_name(p_role_id uuid, p_permission text)
RETURNS void
LANGUAGE sql AS $$
	DELETE FROM role_permissions rp
	USING permissions p
	WHERE rp.permission_id = p.id
	  AND rp.role_id = p_role_id
	  AND p.name = p_permission
$$;`},
	{name: "update_user_role", sql: `
CREATE OR REPLACE FUNCTION update_user_role(p_user_id uuid, p_role_id uuid)
RETURNS void
LANGUAGE plpgsql AS $$
DECLARE
	v_name text;
BEGIN
	SELECT name INTO v_name FROM roles WHERE id = p_role_id;
	IF v_name IS NULL THEN
		RAISE EXCEPTION 'role % not found', p_role_id USING ERRCODE = '23503';
	END IF;
	UPDATE profiles SET role_id = p_role_id, role = v_name, updated_at = now() WHERE id = p_user_id;
	IF NOT FOUND THEN
		RAISE EXCEPTION 'profile % not found', p_user_id USING ERRCODE = '23503';
	END IF;
END;
$$;`},
}

// InstallFunctions creates or replaces every permission function.
func InstallFunctions(ctx context.Context, db *gorm.DB) error {
	for _, fn := range rpcFunctions {
		if err := db.WithContext(ctx).Exec(fn.sql).Error; err != nil {
			return fmt.Errorf("install %s: %w", fn.name, err)
		}
	}
	return nil
}
