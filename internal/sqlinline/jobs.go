package sqlinline

const jobColumns = `id, user_id, status, problem, steps, voice, cost, correlation_id, video_url, error,
       created_at, started_at, completed_at, updated_at`

const QJobInsert = `--sql ddee16ec-7512-4321-8813-0f4374ae2aa3
insert into jobs (id, user_id, status, problem, steps, voice, cost, correlation_id, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
on conflict (id) do nothing;
`

const QJobGet = `--sql ce51ec5c-18b5-46a2-b1f5-417550bbe01c
select ` + jobColumns + `
from jobs
where id = $1;
`

const QJobListByUser = `--sql def61449-d9b5-4772-808f-9bf0565d3483
select ` + jobColumns + `
from jobs
where user_id = $1
order by created_at desc
limit $2;
`

const QJobAttachTask = `--sql e29011e5-4a86-48ce-8c79-b8723bcbe9d6
update jobs
set correlation_id = $2, updated_at = now()
where id = $1;
`

// QJobTransition is the compare-and-set status write. It touches no row
// unless the stored status is one of $6.
const QJobTransition = `--sql 431e5676-8281-467e-bf01-91fc56d6a157
update jobs
set status       = $2::text,
    started_at   = case when $2::text = 'processing' then coalesce(started_at, $3) else started_at end,
    completed_at = case when $2::text in ('complete', 'failed') then $3 else completed_at end,
    video_url    = case when $4::text <> '' then $4::text else video_url end,
    error        = case when $5::text <> '' then $5::text else error end,
    updated_at   = $3
where id = $1
  and status = any($6::text[]);
`
