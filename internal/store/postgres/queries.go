package postgres

const queryInsertSchedule = `
INSERT INTO schedules (id, url_template, locales, cron_expression, paused, run_count, last_run_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryUpdateScheduleConfig = `
UPDATE schedules
SET url_template = $2, locales = $3, cron_expression = $4, updated_at = $5
WHERE id = $1
`

const querySetSchedulePaused = `
UPDATE schedules SET paused = $2, updated_at = $3 WHERE id = $1
`

const queryDeleteSchedule = `
DELETE FROM schedules WHERE id = $1
`

const queryListSchedules = `
SELECT id, url_template, locales, cron_expression, paused, run_count, last_run_at, created_at, updated_at
FROM schedules
ORDER BY created_at, id
`

const queryRecordRun = `
UPDATE schedules SET run_count = run_count + 1, last_run_at = $2 WHERE id = $1
`

const queryInsertResult = `
INSERT INTO test_results (
    id, schedule_id, tested_at, url, locale, verdict, status,
    baseline_path, current_path, diff_path, diff_percentage, diff_pixels
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryListResults = `
SELECT
    id, schedule_id, tested_at, url, locale, verdict, status,
    baseline_path, current_path, diff_path, diff_percentage, diff_pixels
FROM test_results
WHERE ($1::uuid IS NULL OR schedule_id = $1)
ORDER BY tested_at DESC, id
LIMIT $2 OFFSET $3
`

const queryDailyStats = `
SELECT
    s.id,
    s.url_template,
    (r.tested_at AT TIME ZONE 'UTC')::date AS day,
    COUNT(*) AS total,
    COUNT(*) FILTER (WHERE r.verdict = 'Pass') AS passed,
    AVG(r.diff_percentage) AS avg_diff
FROM test_results r
JOIN schedules s ON s.id = r.schedule_id
WHERE r.tested_at >= $1
GROUP BY s.id, s.url_template, day
ORDER BY s.id, day
`
