package repo

import (
	"context"
	"database/sql"

	"botline/internal/domain"
)

func (r Repo) InsertPlatform(ctx context.Context, p domain.Platform) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO platforms(id,name,description,os_major_version) VALUES (?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), nullable(p.OSMajorVersion))
	return err
}

func (r Repo) GetPlatform(ctx context.Context, id string) (domain.Platform, error) {
	var p domain.Platform
	var desc, osv sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,os_major_version FROM platforms WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &desc, &osv)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if osv.Valid {
		p.OSMajorVersion = osv.String
	}
	return p, err
}

func (r Repo) ListPlatforms(ctx context.Context) ([]domain.Platform, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,os_major_version FROM platforms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Platform
	for rows.Next() {
		var p domain.Platform
		var desc, osv sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &osv); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		if osv.Valid {
			p.OSMajorVersion = osv.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertCapability(ctx context.Context, c domain.Capability) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO capabilities(id,name,version,description) VALUES (?,?,?,?)`,
		c.ID, c.Name, c.Version, nullable(c.Description))
	return err
}

func (r Repo) GetCapability(ctx context.Context, id string) (domain.Capability, error) {
	var c domain.Capability
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,version,description FROM capabilities WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Version, &desc)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

func (r Repo) GetCapabilityByNameVersion(ctx context.Context, name, version string) (domain.Capability, error) {
	var c domain.Capability
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,version,description FROM capabilities WHERE name=? AND version=?`, name, version).
		Scan(&c.ID, &c.Name, &c.Version, &desc)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

func (r Repo) ListCapabilities(ctx context.Context) ([]domain.Capability, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,version,description FROM capabilities ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Capability
	for rows.Next() {
		var c domain.Capability
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Version, &desc); err != nil {
			return nil, err
		}
		if desc.Valid {
			c.Description = desc.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
