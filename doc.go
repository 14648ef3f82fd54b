/*
Package crudpool provides generic CRUD services over pooled, transactional
SQL repositories.

A database.Repository owns one connection pool. A transaction.Manager decides,
per call, whether an operation reuses the connection bound to the caller's
transaction or checks out a fresh one. CrudService combines both with a
repository.Store to expose Save, Find, Delete, paging and transactional blocks
for one entity type.

	repo, err := database.NewRepository(ctx, cfg)
	txm := transaction.NewManager(repo, nil)
	users, err := crudpool.NewCrudService[User](ctx, repo, txm)

	err = users.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		_, err := users.Save(ctx, &User{Name: "alice"})
		return err
	})
*/
package crudpool
