package sqlinline

// Provider secrets. token is stored as given; properties carries non-secret
// context such as the endpoint a key belongs to.

const QSelectIntegrationToken = `--sql 3e1c7a52-9b0d-4f6e-8a41-c2d95f7b1e08
select token, properties
from integration_tokens
where provider = $1::text;
`

const QUpsertIntegrationToken = `--sql 71d4b0e9-2c6a-4a85-b3f7-0e9a68c4d215
insert into integration_tokens (provider, token, properties)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb))
on conflict (provider) do update set
    token      = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`
