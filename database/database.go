package database

import (
	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const jobRecordsTable = "job_records"
