package gql

import (
	"fmt"

	"github.com/caesium-cloud/quarry/api/gql/schema"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// Handler serves the read-only build schema over echo. GET and POST
// queries are both accepted; the GraphiQL explorer is served to browsers.
func Handler(db *gorm.DB) (echo.HandlerFunc, error) {
	s, err := graphql.NewSchema(schema.New(db))
	if err != nil {
		return nil, fmt.Errorf("build graphql schema: %w", err)
	}

	return echo.WrapHandler(handler.New(&handler.Config{
		Schema:   &s,
		Pretty:   true,
		GraphiQL: true,
	})), nil
}
