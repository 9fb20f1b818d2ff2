package sqlinline

const QSubscriptionUpsert = `--sql a19e1a0d-46f2-406f-a825-2d86f889b778
insert into subscriptions (subscription_id, user_id, customer_id, tier, updated_at)
values ($1, $2, $3, $4, $5)
on conflict (subscription_id) do update
set user_id = excluded.user_id,
    customer_id = excluded.customer_id,
    tier = excluded.tier,
    updated_at = excluded.updated_at;
`

const QSubscriptionByID = `--sql 2f54b1ca-4605-4e29-b8f0-ad995a49dd37
select subscription_id, user_id, customer_id, tier, updated_at
from subscriptions
where subscription_id = $1;
`

const QSubscriptionDelete = `--sql 582bc6ab-4965-41f8-ad3f-9da83c6b2a0a
delete from subscriptions
where subscription_id = $1;
`
